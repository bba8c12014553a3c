package approvals

import (
	"errors"
	"fmt"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/repo"
)

// VersionConflictError reports a lost optimistic lock. Approval holds the
// latest committed state so callers can reconcile without another read.
type VersionConflictError struct {
	Approval domain.Approval
	Expected int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d (%s)", e.Approval.ID, e.Expected, e.Approval.Version, e.Approval.Status)
}

// ValidationError rejects malformed input before the store is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

const (
	OutcomeOK              = "ok"
	OutcomeNotFound        = "not_found"
	OutcomeVersionConflict = "version_conflict"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

// Outcome names the result of a Resolve call.
func Outcome(err error) string {
	var conflict *VersionConflictError
	var invalid *ValidationError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, repo.ErrNotFound):
		return OutcomeNotFound
	case errors.As(err, &conflict):
		return OutcomeVersionConflict
	case errors.As(err, &invalid):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}
