// Package outbox decouples notifications from the transactions that cause
// them.
//
// A service calls Enqueue with its own transaction: the event row commits
// together with the state change, or not at all. A Dispatcher later claims
// due rows, hands them to a Sender on a bounded worker pool, and either marks
// them SENT or reschedules them with exponential backoff. After the last
// attempt an event is marked FAILED and left for an operator.
//
// Delivery failures are logged and never reach the business operation.
//
// Senders:
//
//   - WebhookSender POSTs the event as JSON with an HMAC-SHA256 signature in
//     X-Commune-Signature, computed over the body with the shared secret.
//   - LogSender writes the event to the structured log; used when no webhook
//     is configured.
package outbox
