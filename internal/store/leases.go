package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the named lease for owner until now+ttl. It succeeds
// when the lease is free, expired, or already held by owner; otherwise it
// returns false without error.
func (s *Store) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO leases (lease_key, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE SET
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.owner = ?
	`), key, owner, formatTime(now), formatTime(now.Add(ttl)), formatTime(now), owner)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RenewLease extends a lease still held by owner. Returns ErrLeaseHeld when
// the lease expired and was taken by someone else.
func (s *Store) RenewLease(ctx context.Context, key, owner string, ttl time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE leases
		SET expires_at = ?
		WHERE lease_key = ? AND owner = ?
	`), formatTime(now.Add(ttl)), key, owner)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it. Releasing a lease
// already lost is not an error.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM leases WHERE lease_key = ? AND owner = ?
	`), key, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
