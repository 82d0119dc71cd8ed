// Package async provides bounded concurrent execution with panic recovery.
//
// Batch fans a slice of items out to a fixed number of workers and waits for all
// of them, which the outbox dispatcher uses to deliver claimed notifications:
//
//	errs := async.Batch(ctx, events, 4, "outbox delivery", 10*time.Second, deliver)
package async
