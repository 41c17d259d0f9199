package pageindex

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Storage errors are returned as-is from the backing
// *sql.DB (wrapped with context via %w) and carry no sentinel of their own,
// mirroring the teacher's bare fmt.Errorf wrapping for I/O failures.
var (
	// ErrCorruption is returned by Open when the persisted page graph for a
	// view cannot be reconstructed into a consistent GroupIndex: an
	// unreachable pageId, a cycle, or a partial traversal.
	ErrCorruption = errors.New("pageindex: view corrupted, drop and rebuild")

	// ErrInvariantViolation is returned when a runtime operation finds the
	// in-memory state inconsistent with what it expected (a page missing a
	// rowid it should contain, metadata missing for a known pageId, a null
	// key/group passed to Insert).
	ErrInvariantViolation = errors.New("pageindex: invariant violation")

	// ErrNoActiveTransaction is returned by Commit/Rollback when no write
	// transaction is open.
	ErrNoActiveTransaction = errors.New("pageindex: no active write transaction")

	// ErrTransactionActive is returned by BeginWrite when a write
	// transaction is already open on this connection.
	ErrTransactionActive = errors.New("pageindex: write transaction already active")
)

// MutationDuringEnumerationError is raised when a user enumeration callback
// mutates the group being enumerated without requesting the enumeration to
// stop. It names the offending group, per spec.
type MutationDuringEnumerationError struct {
	Group string
}

func (e *MutationDuringEnumerationError) Error() string {
	return fmt.Sprintf("pageindex: group %q mutated during enumeration", e.Group)
}

func corruptf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrCorruption}, args...)...)
}

func invariantf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvariantViolation}, args...)...)
}

func storagef(format string, args ...interface{}) error {
	return fmt.Errorf("pageindex: "+format, args...)
}
