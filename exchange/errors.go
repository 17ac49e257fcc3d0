package exchange

import "errors"

// ErrNoProviders is returned by Get when every retry round has passed
// without a delivery, whether or not any peer claimed to have the requested
// address (spec.md §7).
var ErrNoProviders = errors.New("exchange: no providers found")

// ErrTimeout is returned by Get when the request's deadline passed with no
// resolution (spec.md §7).
var ErrTimeout = errors.New("exchange: request timed out")

// ErrCancelled is returned by Get when the engine is closed before the
// request resolved. A cancelled caller context makes Get return ctx.Err()
// instead.
var ErrCancelled = errors.New("exchange: request cancelled")
