package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RecordNotification appends the audit record of one outbound message.
// Only the subject and the transport's delivery receipt are stored; the
// message body is not persisted, which bounds storage growth.
func (s *Store) RecordNotification(ctx context.Context, jobID int64, username, subject, response string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notifications (job_id, username, subject, response, sent_at)
			 VALUES (?, ?, ?, ?, ?)`,
			jobID, username, subject, response,
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		return nil
	})
}

// ListNotificationsForJob returns the notification history of one job,
// oldest first.
func (s *Store) ListNotificationsForJob(ctx context.Context, jobID int64, username string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT notification_id, job_id, username, subject, response, sent_at
		 FROM notifications
		 WHERE job_id = ? AND username = ?
		 ORDER BY notification_id ASC`,
		jobID, username)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		var n Notification
		var sentAt string
		if err := rows.Scan(&n.ID, &n.JobID, &n.Username, &n.Subject, &n.Response, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			n.SentAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
