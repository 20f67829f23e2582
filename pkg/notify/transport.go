package notify

import "context"

// Transport delivers rendered messages and manages topic subscriptions.
// Delivery retries are the transport's own concern; callers treat
// Publish as fire-and-forget with a receipt captured for audit.
type Transport interface {
	// Publish sends one message tagged with the job identity and
	// returns the delivery receipt.
	Publish(ctx context.Context, subject, body string, jobID int64, username string) (string, error)

	// Subscribe registers an email endpoint, optionally filtered to the
	// given usernames, and returns the subscription handle.
	Subscribe(ctx context.Context, email string, usernameFilter []string) (string, error)

	// Unsubscribe removes a subscription by its handle.
	Unsubscribe(ctx context.Context, subscriptionARN string) error
}
