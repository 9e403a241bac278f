package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowbill/entitlements/internal/domain/customer"
	ierr "github.com/flowbill/entitlements/internal/errors"
)

func TestInMemoryCustomerRepository_SaveThenGetByEmail(t *testing.T) {
	repo := NewInMemoryCustomerRepository()
	ctx := context.Background()

	c := &customer.Customer{
		ID:        "cust_1",
		ProjectID: "proj_1",
		Email:     "a@example.com",
		Status:    customer.StatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Save(ctx, c))

	got, err := repo.GetByEmail(ctx, "proj_1", "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "cust_1", got.ID)

	byID, err := repo.Get(ctx, "proj_1", "cust_1")
	require.NoError(t, err)
	require.Equal(t, "a@example.com", byID.Email)
}

func TestInMemoryCustomerRepository_GetScopedToProject(t *testing.T) {
	repo := NewInMemoryCustomerRepository()
	ctx := context.Background()

	c := &customer.Customer{ID: "cust_1", ProjectID: "proj_1", Email: "a@example.com"}
	require.NoError(t, repo.Save(ctx, c))

	_, err := repo.Get(ctx, "proj_2", "cust_1")
	require.Error(t, err)
	require.True(t, ierr.IsNotFound(err))
}

func TestInMemoryCustomerRepository_SaveUpdatesExisting(t *testing.T) {
	repo := NewInMemoryCustomerRepository()
	ctx := context.Background()

	c := &customer.Customer{ID: "cust_1", ProjectID: "proj_1", Email: "a@example.com", Status: customer.StatusActive}
	require.NoError(t, repo.Save(ctx, c))

	c.Status = customer.StatusDisabled
	require.NoError(t, repo.Save(ctx, c))

	got, err := repo.Get(ctx, "proj_1", "cust_1")
	require.NoError(t, err)
	require.Equal(t, customer.StatusDisabled, got.Status)
}
