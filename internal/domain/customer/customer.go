// Package customer holds the Customer domain model — the durable
// record a sign-up flow creates and CustomerService bridges to a
// payment-provider account.
package customer

import "time"

// Status is a customer's account status. CustomerService.OnPlanChanged
// rejects a disabled customer; EntitlementService.Verify and
// ReportUsage do not consult it.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Customer is the durable record backing a subject's payment-provider
// bridging. ProviderCustomerID is stored encrypted at rest (see
// internal/crypto) since it is a live credential-adjacent identifier
// at the provider.
type Customer struct {
	ID        string
	ProjectID string
	Email     string
	Status    Status

	Provider                    string
	EncryptedProviderCustomerID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether this customer may currently be served.
func (c *Customer) Active() bool {
	return c.Status == StatusActive
}
