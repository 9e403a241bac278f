// Package storage implements EntitlementStorage: the pluggable
// key-value store for entitlement state plus the buffered usage and
// verification record queues, over three variants — in-memory,
// Postgres (a durable row store), and DynamoDB (the "distributed-kv"
// variant named in spec.md §4.3).
package storage

import (
	"context"

	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/grant"
)

// FlushResult summarizes one flush() call's outcome.
type FlushResult struct {
	Usage struct {
		Count  int
		LastID string
	}
	Verification struct {
		Count  int
		LastID string
	}
}

// EntitlementStorage is the polymorphic interface every backend
// variant satisfies. Key format is "{projectId}:{customerId}:{featureSlug}",
// opaque to callers — use entitlement.State.Key() to build one.
type EntitlementStorage interface {
	Get(ctx context.Context, key string) (*entitlement.State, error)
	Set(ctx context.Context, key string, state *entitlement.State) error
	Delete(ctx context.Context, key string) error
	GetAll(ctx context.Context) ([]*entitlement.State, error)

	InsertUsageRecord(ctx context.Context, record *entitlement.UsageRecord) error
	InsertVerification(ctx context.Context, record *entitlement.VerificationRecord) error

	GetAllUsageRecords(ctx context.Context) ([]*entitlement.UsageRecord, error)
	GetAllVerifications(ctx context.Context) ([]*entitlement.VerificationRecord, error)
	DeleteAllUsageRecords(ctx context.Context) error
	DeleteAllVerifications(ctx context.Context) error

	// Flush is a convenience that reports counts and deletes nothing;
	// EntitlementService.Flush drains the analytics pipeline instead,
	// which applies the idempotence-key dedup.
	Flush(ctx context.Context) (*FlushResult, error)

	// entitlement.GrantLoader is embedded so every backend doubles as
	// the grant source GrantsManager reads from — one store, one
	// source of truth, instead of standing up a parallel grants store.
	entitlement.GrantLoader

	InsertGrant(ctx context.Context, g *grant.Grant) error
}
