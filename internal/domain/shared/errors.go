package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists       = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError("CONCURRENCY_CONFLICT", "Resource was modified by another process")
	ErrUnauthenticated     = NewDomainError("UNAUTHENTICATED", "No valid principal")
	ErrForbidden           = NewDomainError("FORBIDDEN", "Access to this resource is forbidden")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
	ErrTenantSuspended     = NewDomainError("TENANT_SUSPENDED", "Organization subscription is not active")
	ErrInsufficientBalance = NewDomainError("INSUFFICIENT_BALANCE", "Insufficient credit balance")
	ErrImmutableRecord     = NewDomainError("IMMUTABLE_RECORD", "Record cannot be modified or deleted")
	ErrStorageUnavailable  = NewDomainError("STORAGE_UNAVAILABLE", "Storage backend unavailable")
)
