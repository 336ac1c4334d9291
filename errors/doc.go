// Package errors provides standardized error handling for SemTree.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, the caller may retry),
// Invalid (bad input or state, do not retry) and Fatal (unexpected failure).
// The registry and event packages report their failures with a fixed taxonomy
// of sentinels:
//
//   - ErrLocked: a node lock could not be acquired in time (transient)
//   - ErrNotFound: an address resolves to nothing (invalid)
//   - ErrAlreadyExists: duplicate identifier or edge (invalid)
//   - ErrDataInvalid: malformed callback, duplicate dataToSend entries (invalid)
//   - ErrInternal: unexpected failure while building or delivering a payload (fatal)
//
// ErrLocked is retryable but the registry never retries it internally. The
// caller decides, typically with RetryConfig:
//
//	cfg := errors.DefaultRetryConfig()
//	err := retry.Do(ctx, cfg.ToRetryConfig(), func(int) error {
//	    return reg.Create(ctx, parent, child)
//	})
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: %w"
//
// WrapTransient, WrapInvalid and WrapFatal attach a class; Wrap preserves the
// class of the wrapped error. Sentinels stay reachable through the standard
// library's errors.Is (imported as stderrors alongside this package):
//
//	err := errors.WrapInvalid(errors.ErrAlreadyExists, "Registry", "Create", "add child edge")
//	stderrors.Is(err, errors.ErrAlreadyExists) // true
//	errors.IsInvalid(err)                      // true
//
// # Status Codes
//
// StatusCode maps the taxonomy onto the numeric codes embedded in event
// payload entries (200, 400, 404, 405, 409, 503, 500).
package errors
