package provider

import "errors"

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrProviderDisabled = errors.New("provider is disabled")
	ErrTenantNotAllowed = errors.New("provider is not allowed for tenant class")
	// ErrProviderFailed wraps a failure the provider itself reported for a task.
	ErrProviderFailed = errors.New("provider reported failure")
)
