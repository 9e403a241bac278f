package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/postgres"
)

// PostgresLock is the durable SubscriptionLock variant, an
// insert-if-absent/conditional-takeover row in subscription_lock —
// the same contention pattern this codebase's advisory-lock helper
// (internal/postgres/locks.go) uses for wallet balance updates, here
// applied to whole subscription transitions instead of a single
// statement.
type PostgresLock struct {
	client *postgres.Client
}

func NewPostgresLock(client *postgres.Client) *PostgresLock {
	return &PostgresLock{client: client}
}

func (l *PostgresLock) Acquire(ctx context.Context, projectID, subscriptionID string, opts AcquireOptions) (*Lease, error) {
	subKey := projectID + ":" + subscriptionID
	token := uuid.NewString()
	expiresAt := opts.Now.Add(opts.TTL)

	var acquired bool
	err := l.client.WithTx(ctx, func(ctx context.Context) error {
		row := l.client.QueryRow(ctx, `
			SELECT owner_id, expires_at, acquired_at FROM subscription_lock
			WHERE subscription_id = $1 FOR UPDATE
		`, subKey)

		var existingOwner string
		var existingExpires, existingUpdated time.Time
		err := row.Scan(&existingOwner, &existingExpires, &existingUpdated)
		switch {
		case err == sql.ErrNoRows:
			_, err = l.client.Exec(ctx, `
				INSERT INTO subscription_lock (subscription_id, owner_id, acquired_at, expires_at, fenced_token)
				VALUES ($1, $2, $3, $4, 1)
			`, subKey, token, opts.Now, expiresAt)
			if err != nil {
				return ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			acquired = true
			return nil
		case err != nil:
			return ierr.WithError(err).Mark(ierr.ErrDatabase)
		}

		if !eligibleForTakeover(existingExpires, existingUpdated, opts.Now, opts.StaleTakeover, opts.OwnerStale) {
			return nil
		}

		_, err = l.client.Exec(ctx, `
			UPDATE subscription_lock
			SET owner_id = $2, acquired_at = $3, expires_at = $4, fenced_token = fenced_token + 1
			WHERE subscription_id = $1
		`, subKey, token, opts.Now, expiresAt)
		if err != nil {
			return ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	return &Lease{ProjectID: projectID, SubscriptionID: subscriptionID, OwnerToken: token, ExpiresAt: expiresAt}, nil
}

func (l *PostgresLock) Extend(ctx context.Context, lease *Lease, ttl time.Duration, now time.Time) (bool, error) {
	subKey := lease.ProjectID + ":" + lease.SubscriptionID
	newExpiry := now.Add(ttl)

	res, err := l.client.Exec(ctx, `
		UPDATE subscription_lock SET expires_at = $1, acquired_at = $4
		WHERE subscription_id = $2 AND owner_id = $3 AND expires_at > $4
	`, newExpiry, subKey, lease.OwnerToken, now)
	if err != nil {
		return false, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	if n == 0 {
		return false, nil
	}
	lease.ExpiresAt = newExpiry
	return true, nil
}

func (l *PostgresLock) Release(ctx context.Context, lease *Lease) error {
	subKey := lease.ProjectID + ":" + lease.SubscriptionID
	_, err := l.client.Exec(ctx, `
		DELETE FROM subscription_lock WHERE subscription_id = $1 AND owner_id = $2
	`, subKey, lease.OwnerToken)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}
