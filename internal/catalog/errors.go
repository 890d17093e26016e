package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Sentinel errors shared by the resolver, reconciler, lineage builder and stores.
var (
	// ErrNotFound is returned when an identity key or id has no matching live entity.
	ErrNotFound = errors.New("entity not found")

	// ErrCreationFailed is returned when a write succeeded but reported zero created entities.
	ErrCreationFailed = errors.New("creation failed")

	// ErrInvalidInput is returned for malformed identity tuples, drafts or queries.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a qualified name is already held by an entity
	// of another identity. Stores never overwrite such an entity.
	ErrConflict = errors.New("qualified name already taken")

	// ErrNotConverged signals that a search returned fewer matches than expected.
	// It is the retryable condition while waiting for the search index to catch up.
	ErrNotConverged = errors.New("search index has not converged")
)

// DefaultTransientAuthCodes are the remote error codes that indicate a
// transient authentication failure on write.
var DefaultTransientAuthCodes = []string{"ATLAS-400-00-029"}

// RemoteError is a failure reported by a remote catalog.
type RemoteError struct {
	Status  int    // HTTP status, 0 when not applicable
	Code    string // remote error code, e.g. "ATLAS-400-00-029"
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote catalog error (status %d): %s", e.Status, e.Message)
	}

	return fmt.Sprintf("remote catalog error (status %d, code %s): %s", e.Status, e.Code, e.Message)
}

// HasRemoteCode reports whether err wraps a RemoteError carrying one of codes.
// The code may appear as the error code or inside the message, since some
// servers nest the upstream code in the text of a generic client error.
func HasRemoteCode(err error, codes ...string) bool {
	var remote *RemoteError
	if !errors.As(err, &remote) {
		return false
	}

	if slices.Contains(codes, remote.Code) {
		return true
	}

	for _, code := range codes {
		if code != "" && strings.Contains(remote.Message, code) {
			return true
		}
	}

	return false
}

// IsTransientAuth reports whether err is a transient authentication failure
// under the default code set.
func IsTransientAuth(err error) bool {
	return HasRemoteCode(err, DefaultTransientAuthCodes...)
}
