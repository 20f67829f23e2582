package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinTopicARNLen is the minimum length accepted for a routing identifier.
// Mirrored by the schema CHECK.
const MinTopicARNLen = 20

// AddSubscription appends one subscribe request to the routing history.
// The table is append-only: re-subscribing records a new row rather than
// rewriting the old one, and lookups use the most recent entry.
func (s *Store) AddSubscription(ctx context.Context, sub Subscription) error {
	if !strings.Contains(sub.UserEmail, "@") {
		return fmt.Errorf("user_email %q is not a valid email address", sub.UserEmail)
	}
	if len(sub.TopicARN) < MinTopicARNLen {
		return fmt.Errorf("topic_arn %q is too short", sub.TopicARN)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions
			 (username, user_email, topic_arn, username_filter, subscription_arn, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sub.Username, sub.UserEmail, sub.TopicARN, sub.UsernameFilter,
			sub.SubscriptionARN, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
}

// LookupSubscription returns the most recent routing entry for a
// username, or nil when the user has never subscribed. Absence of a
// subscription is not an error: the notifier skips silently.
func (s *Store) LookupSubscription(ctx context.Context, username string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, subscriptionSelect+
		` WHERE username = ? ORDER BY subscription_id DESC LIMIT 1`, username)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// LookupSubscriptionByEmail returns the most recent routing entry for an
// email address, or nil when none exists.
func (s *Store) LookupSubscriptionByEmail(ctx context.Context, email string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, subscriptionSelect+
		` WHERE user_email = ? ORDER BY subscription_id DESC LIMIT 1`, email)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

// RemoveSubscription drops all routing entries for an email address so
// later lookups find none. Removing an address that was never subscribed
// is a no-op.
func (s *Store) RemoveSubscription(ctx context.Context, email string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE user_email = ?`, email)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return nil
	})
}

const subscriptionSelect = `SELECT subscription_id, username, user_email,
	topic_arn, username_filter, subscription_arn, created_at
	FROM subscriptions`

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var filter sql.NullString
	var createdAt string
	err := row.Scan(&sub.ID, &sub.Username, &sub.UserEmail, &sub.TopicARN,
		&filter, &sub.SubscriptionARN, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if filter.Valid {
		sub.UsernameFilter = &filter.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sub.CreatedAt = t
	}
	return &sub, nil
}
