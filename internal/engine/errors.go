// Package engine implements the server-side messaging patterns: the stream
// tailer, the DLQ claimer, the work-queue and fan-out worker pools, the topic
// exchange, request/reply with expiry-driven timeouts, the per-key serialized
// processor, the token-bucket limiter, and the delayed-message scheduler.
package engine

import (
	"errors"
	"strings"
)

// Sentinel errors returned by engine components.
var (
	// ErrScriptMissing means a required Lua script was not found in the
	// registry. It is fatal during startup.
	ErrScriptMissing = errors.New("required script not loaded")
	// ErrPreconditionNotMet covers "lock held" / "no token available" /
	// any other precondition failure. These are NOT errors in the
	// exceptional sense: they produce a no-op that the next pass retries.
	ErrPreconditionNotMet = errors.New("precondition not met, will retry")
	// ErrGroupNotFound is returned when a read targets a consumer group
	// that doesn't exist on a stream. Treated as "no messages".
	ErrGroupNotFound = errors.New("consumer group does not exist")
	// ErrTransient covers broker connection/timeout errors that should be
	// retried with backoff rather than surfaced as fatal.
	ErrTransient = errors.New("transient broker error")
	// ErrRuleNotFound is returned by the rule store when a rule id is unknown.
	ErrRuleNotFound = errors.New("routing rule not found")
	// ErrInvalidPattern is returned when a routing pattern cannot be parsed.
	ErrInvalidPattern = errors.New("invalid routing pattern")
	// ErrNotFound is a generic "no such record" for scheduled messages etc.
	ErrNotFound = errors.New("not found")
)

// EngineError wraps a sentinel with a human message and optional context,
// such as the entry ID involved.
type EngineError struct {
	Err     error
	Message string
	Context string
}

func (e *EngineError) Error() string {
	if e.Context != "" {
		return e.Message + " (" + e.Context + ")"
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError builds an EngineError.
func NewError(err error, msg string) *EngineError {
	return &EngineError{Err: err, Message: msg}
}

// isGroupNotFound sniffs a go-redis error string for Redis's
// "NOGROUP No such key ... or consumer group ..." message.
func isGroupNotFound(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "NOGROUP")
}

// isBusyGroup sniffs for the "group already exists" case from
// XGroupCreateMkStream, which is not an error for our purposes.
func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "BUSYGROUP")
}
