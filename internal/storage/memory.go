package storage

import (
	"context"
	"sync"
	"time"

	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/grant"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/types"
	"github.com/oklog/ulid/v2"
)

// InMemoryStorage implements EntitlementStorage with a single process
// mutex guarding a map. Per spec.md §5, this makes every key
// single-threaded by construction — there is no CAS/version race to
// resolve, unlike the durable variants.
type InMemoryStorage struct {
	mu     sync.Mutex
	states map[string]*entitlement.State

	recMu      sync.Mutex
	usageRecs  []*entitlement.UsageRecord
	verifyRecs []*entitlement.VerificationRecord

	grantMu sync.Mutex
	grants  []*grant.Grant
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		states: make(map[string]*entitlement.State),
	}
}

// InsertGrant appends a grant to the in-process store, replacing in
// place any earlier grant with the same ID (Save-as-update semantics
// for grant amendment).
func (s *InMemoryStorage) InsertGrant(_ context.Context, g *grant.Grant) error {
	if g == nil {
		return ierr.NewError("grant is nil").Mark(ierr.ErrValidation)
	}
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	for i, existing := range s.grants {
		if existing.ID == g.ID {
			s.grants[i] = g
			return nil
		}
	}
	s.grants = append(s.grants, g)
	return nil
}

// ActiveGrantsForCustomer implements entitlement.GrantLoader.
func (s *InMemoryStorage) ActiveGrantsForCustomer(_ context.Context, projectID, customerID string, now time.Time, featureSlug string) ([]*grant.Grant, error) {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	out := make([]*grant.Grant, 0)
	for _, g := range s.grants {
		if g.TenantID != projectID || g.SubjectID != customerID {
			continue
		}
		if featureSlug != "" && g.FeatureSlug != featureSlug {
			continue
		}
		if !g.ActiveAt(now) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *InMemoryStorage) Get(_ context.Context, key string) (*entitlement.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return nil, nil
	}
	clone := *state
	return &clone, nil
}

func (s *InMemoryStorage) Set(_ context.Context, key string, state *entitlement.State) error {
	if state == nil {
		return ierr.NewError("state is nil").Mark(ierr.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *state
	s.states[key] = &clone
	return nil
}

func (s *InMemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
	return nil
}

func (s *InMemoryStorage) GetAll(_ context.Context) ([]*entitlement.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entitlement.State, 0, len(s.states))
	for _, state := range s.states {
		clone := *state
		out = append(out, &clone)
	}
	return out, nil
}

func (s *InMemoryStorage) InsertUsageRecord(_ context.Context, record *entitlement.UsageRecord) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.usageRecs = append(s.usageRecs, record)
	return nil
}

func (s *InMemoryStorage) InsertVerification(_ context.Context, record *entitlement.VerificationRecord) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.verifyRecs = append(s.verifyRecs, record)
	return nil
}

func (s *InMemoryStorage) GetAllUsageRecords(_ context.Context) ([]*entitlement.UsageRecord, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	out := make([]*entitlement.UsageRecord, len(s.usageRecs))
	copy(out, s.usageRecs)
	return out, nil
}

func (s *InMemoryStorage) GetAllVerifications(_ context.Context) ([]*entitlement.VerificationRecord, error) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	out := make([]*entitlement.VerificationRecord, len(s.verifyRecs))
	copy(out, s.verifyRecs)
	return out, nil
}

func (s *InMemoryStorage) DeleteAllUsageRecords(_ context.Context) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.usageRecs = nil
	return nil
}

func (s *InMemoryStorage) DeleteAllVerifications(_ context.Context) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.verifyRecs = nil
	return nil
}

func (s *InMemoryStorage) Flush(ctx context.Context) (*FlushResult, error) {
	s.recMu.Lock()
	usageCount := len(s.usageRecs)
	verifyCount := len(s.verifyRecs)
	s.recMu.Unlock()

	res := &FlushResult{}
	res.Usage.Count = usageCount
	res.Verification.Count = verifyCount
	res.Usage.LastID = ulid.Make().String()
	res.Verification.LastID = ulid.Make().String()
	return res, nil
}
