package utils

import (
	"errors"
	"fmt"

	"bitbucket.org/hcsaude/assessments_backend/config"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

var (
	ErrorRecordNotFound = errors.New("record not found")

	// ErrorMissingSession: a tenant-scoped operation was attempted without a
	// bound actor.
	ErrorMissingSession = errors.New("session context is required")

	// ErrorStateConflict: illegal lifecycle transition; no rows changed.
	ErrorStateConflict = errors.New("state conflict: transition not allowed")

	// ErrorImmutableState: write against issued/sent data, rejected at the
	// statement layer by the immutability guard.
	ErrorImmutableState = config.ErrImmutableState

	// ErrorNoEligibleEmitter: issuance precondition. Expected operational
	// condition; recovered into a notification, never propagated as a crash.
	ErrorNoEligibleEmitter = errors.New("no eligible emitter for tenant scope")

	// ErrorIntegrityMismatch: uploaded digest differs from the stored one.
	// Recoverable; the caller may retry the upload without re-issuing.
	ErrorIntegrityMismatch = errors.New("uploaded digest does not match report content hash")

	// ErrorDuplicateOperation: a racing attempt already performed the write.
	// Absorbed by idempotency + savepoint isolation, never surfaced as fatal.
	ErrorDuplicateOperation = errors.New("duplicate operation")
)

// ValidationError carries the offending field for caller display.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsDuplicateKeyError reports MySQL error 1062 (unique constraint hit).
// Racing issuance attempts resolve through this plus savepoint rollback.
func IsDuplicateKeyError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
