package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// Version returns the current snapshot version counter.
func (s *Store) Version(ctx context.Context) (int64, error) {
	var vnum int64
	if err := s.db.QueryRowContext(ctx, `SELECT vnum FROM vnumber WHERE id = 1`).Scan(&vnum); err != nil {
		return 0, fmt.Errorf("read vnum: %w", err)
	}
	return vnum, nil
}

// IncrementVersion bumps the version counter by one and returns the new
// value. Called exactly once per publish cycle by the snapshot
// publisher, never per row change.
func (s *Store) IncrementVersion(ctx context.Context) (int64, error) {
	var vnum int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE vnumber SET vnum = vnum + 1 WHERE id = 1`); err != nil {
			return fmt.Errorf("increment vnum: %w", err)
		}
		return tx.QueryRowContext(ctx, `SELECT vnum FROM vnumber WHERE id = 1`).Scan(&vnum)
	})
	return vnum, err
}

// SetVersion forces the counter to a specific value. Used when rebuilding
// the ledger so that cached client copies are invalidated.
func (s *Store) SetVersion(ctx context.Context, vnum int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE vnumber SET vnum = ? WHERE id = 1`, vnum); err != nil {
			return fmt.Errorf("set vnum: %w", err)
		}
		return nil
	})
}
