package types

// LogLevel selects the logger's encoder and verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
)

// DeploymentMode distinguishes local/dev runs from deployed ones, used
// only to tag log lines and pick sane defaults.
type DeploymentMode string

const (
	DeploymentLocal DeploymentMode = "local"
	DeploymentProd  DeploymentMode = "production"
)
