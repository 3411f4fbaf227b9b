package change

import "errors"

// Error taxonomy for the scheduling core.
//
// The first four are validation errors: they surface synchronously to the
// caller of ScheduleChange and never reach persisted storage. ErrApply is
// recovered locally by the dispatcher (record stays pending). ErrStorage
// wraps failures from the change store.
var (
	ErrInvalidTimeSpec = errors.New("invalid time spec")
	ErrUnknownTarget   = errors.New("unknown target")
	ErrUnsupportedKind = errors.New("unsupported change kind")
	ErrIllegalValue    = errors.New("illegal value for change kind")
	ErrApply           = errors.New("apply failed")
	ErrStorage         = errors.New("storage error")
)

// ErrNotFound is returned by store lookups for absent ids.
var ErrNotFound = errors.New("change not found")
