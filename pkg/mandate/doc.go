// Package mandate implements the non-card purchase path used by public bodies:
// a numbered quote, an order the client accepts or rejects, and the invoices
// and credit notes issued against an accepted order.
//
// Order states:
//
//	DRAFT --send--> SENT --accept--> ACCEPTED --complete--> INVOICED
//	                 |  \--await purchase order--> PENDING_BC --capture/accept--> ACCEPTED
//	                 \--reject--> REJECTED
//
// An order carries a commande number exactly when it is ACCEPTED or INVOICED.
// Accepting allocates a BC number; capturing a purchase order stores the
// client's own reference instead. Invoicing leaves the order ACCEPTED so that
// several invoices may be issued against it until it is completed.
//
// Every transition appends a row to mandate_activities in the transaction that
// makes it, and accept, reject and invoice enqueue an outbox notification.
package mandate
