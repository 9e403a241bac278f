package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/flowbill/entitlements/internal/crypto"
	"github.com/flowbill/entitlements/internal/domain/customer"
	ierr "github.com/flowbill/entitlements/internal/errors"
	"github.com/flowbill/entitlements/internal/logger"
	"github.com/flowbill/entitlements/internal/paymentprovider"
)

// CustomerRepository is the durable store backing CustomerService.
type CustomerRepository interface {
	Get(ctx context.Context, projectID, customerID string) (*customer.Customer, error)
	GetByEmail(ctx context.Context, projectID, email string) (*customer.Customer, error)
	Save(ctx context.Context, c *customer.Customer) error
}

// CustomerService is the sign-up/bridging façade: it creates a
// customer both in this system's own store and at the configured
// payment provider, bridges plan changes into a cache revalidation,
// and never persists a raw provider customer ID.
type CustomerService struct {
	repo     CustomerRepository
	provider paymentprovider.Provider
	box      *crypto.Box
	ents     *EntitlementService
	validate *validator.Validate
	log      *logger.Logger
	nowFn    func() time.Time
}

func NewCustomerService(
	repo CustomerRepository,
	provider paymentprovider.Provider,
	box *crypto.Box,
	ents *EntitlementService,
	log *logger.Logger,
) *CustomerService {
	return &CustomerService{
		repo:     repo,
		provider: provider,
		box:      box,
		ents:     ents,
		validate: validator.New(),
		log:      log,
		nowFn:    time.Now,
	}
}

// SignUpRequest is the input to SignUp.
type SignUpRequest struct {
	ProjectID string `validate:"required"`
	Email     string `validate:"required,email"`
	Metadata  map[string]string
}

// SignUp creates a customer record and a matching account at the
// configured payment provider, storing the provider's customer ID
// encrypted at rest. If a customer already exists for this email in
// this project, it is returned unchanged rather than re-created.
func (s *CustomerService) SignUp(ctx context.Context, req SignUpRequest) (*customer.Customer, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, ierr.WithError(err).WithHint("invalid sign-up request").Mark(ierr.ErrValidation)
	}

	existing, err := s.repo.GetByEmail(ctx, req.ProjectID, req.Email)
	if err != nil && !ierr.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ref, err := s.provider.CreateCustomer(ctx, req.Email, req.Metadata)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("payment provider customer creation failed").Mark(ierr.ErrSystem)
	}

	encrypted, err := s.box.Encrypt(ref.ProviderCustomerID)
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to encrypt provider customer id").Mark(ierr.ErrSystem)
	}

	now := s.nowFn()
	c := &customer.Customer{
		ID:                          uuid.NewString(),
		ProjectID:                   req.ProjectID,
		Email:                       req.Email,
		Status:                      customer.StatusActive,
		Provider:                    s.provider.Name(),
		EncryptedProviderCustomerID: encrypted,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}

	if err := s.repo.Save(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ProviderCustomerID decrypts and returns the stored provider-side
// customer identifier for outbound calls (ChargeInvoice, RefundCharge).
func (s *CustomerService) ProviderCustomerID(c *customer.Customer) (string, error) {
	return s.box.Decrypt(c.EncryptedProviderCustomerID)
}

// Disable marks a customer as disabled; a disabled customer's verify/
// reportUsage calls must fail with CUSTOMER_DISABLED regardless of
// entitlement state, which is enforced by the caller checking
// Active() before invoking EntitlementService.
func (s *CustomerService) Disable(ctx context.Context, projectID, customerID string) error {
	c, err := s.repo.Get(ctx, projectID, customerID)
	if err != nil {
		return err
	}
	c.Status = customer.StatusDisabled
	c.UpdatedAt = s.nowFn()
	return s.repo.Save(ctx, c)
}

// OnPlanChanged revalidates a customer's cached entitlement state
// after a plan change (upgrade, downgrade, add-on attach/detach) so
// stale limits don't serve for up to the cache's TTL. It re-derives
// every granted feature's state from the grants manager and carries
// usage across any limit change via EntitlementService.Prewarm.
func (s *CustomerService) OnPlanChanged(ctx context.Context, projectID, customerID string) error {
	c, err := s.repo.Get(ctx, projectID, customerID)
	if err != nil {
		return err
	}
	if !c.Active() {
		return ierr.NewError("customer disabled").Mark(ierr.ErrInvalidOperation)
	}
	return s.ents.Prewarm(ctx, projectID, customerID, s.nowFn())
}
