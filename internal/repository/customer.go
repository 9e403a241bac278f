// Package repository holds in-memory repository implementations for
// this module's durable-store interfaces, built on testutil's generic
// store so local development and tests don't need a live Postgres.
package repository

import (
	"context"

	"github.com/flowbill/entitlements/internal/domain/customer"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/testutil"
)

// InMemoryCustomerRepository implements service.CustomerRepository
// over testutil.InMemoryStore, adding the email secondary index
// CustomerService's sign-up idempotency check needs.
type InMemoryCustomerRepository struct {
	store     *testutil.InMemoryStore[*customer.Customer]
	emailToID map[string]string
}

func NewInMemoryCustomerRepository() *InMemoryCustomerRepository {
	return &InMemoryCustomerRepository{
		store:     testutil.NewInMemoryStore[*customer.Customer](),
		emailToID: make(map[string]string),
	}
}

func (r *InMemoryCustomerRepository) Get(ctx context.Context, projectID, customerID string) (*customer.Customer, error) {
	c, err := r.store.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if c.ProjectID != projectID {
		return nil, ierr.NewErrorf("customer %q not found in project %q", customerID, projectID).Mark(ierr.ErrNotFound)
	}
	return c, nil
}

func (r *InMemoryCustomerRepository) GetByEmail(ctx context.Context, projectID, email string) (*customer.Customer, error) {
	id, ok := r.emailToID[projectID+":"+email]
	if !ok {
		return nil, ierr.NewErrorf("customer with email %q not found", email).Mark(ierr.ErrNotFound)
	}
	return r.store.Get(ctx, id)
}

func (r *InMemoryCustomerRepository) Save(ctx context.Context, c *customer.Customer) error {
	if _, err := r.store.Get(ctx, c.ID); err == nil {
		if err := r.store.Update(ctx, c.ID, c); err != nil {
			return err
		}
	} else if err := r.store.Create(ctx, c.ID, c); err != nil {
		return err
	}
	r.emailToID[c.ProjectID+":"+c.Email] = c.ID
	return nil
}
