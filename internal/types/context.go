package types

// ctxKey is an unexported type so context values set by this package never
// collide with keys set by other packages.
type ctxKey string

const (
	CtxTenantID      ctxKey = "tenant_id"
	CtxEnvironmentID ctxKey = "environment_id"
	CtxRequestID     ctxKey = "request_id"
)

const (
	HeaderEnvironment    = "X-Environment-ID"
	HeaderRequestID      = "X-Request-ID"
	HeaderAuthorization  = "Authorization"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)
