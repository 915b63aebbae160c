package preforkd

import "github.com/pkg/errors"

// Sentinel errors for conditions callers may need to distinguish.
// Transient, expected conditions use plain stdlib errors per spec.md §7
// ("Peer-gone... swallowed"; "Reap race... not an error"); pkg/errors is
// reserved for caller-facing construction failures (spec.md §7,
// "Configuration error... raised synchronously to the caller").
var (
	// ErrNoHandler is returned by Start when called without a handler
	// (spec.md §4.3: "Requires a handler; rejects absence.").
	ErrNoHandler = errors.New("preforkd: Start requires a non-nil handler")

	// ErrNoListeners is returned by a constructor when given an empty
	// listener set.
	ErrNoListeners = errors.New("preforkd: at least one listener is required")
)

// safeCall invokes fn, recovering and logging any panic rather than
// letting it escape. Every user-supplied hook (OnStart, OnReload,
// OnChildStart, OnChildExit, the connection handler) runs through this —
// spec.md's DESIGN NOTES §9: "None of them should be allowed to terminate
// the supervisor on failure; wrap every invocation in a catch-and-log."
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("preforkd: recovered panic in user callback")
		}
	}()
	fn()
}

// wrapConfigErr tags err as a configuration error, stack-annotated via
// pkg/errors so a caller inspecting it with errors.Cause gets the root
// cause (grounded: xtaci-kcptun's use of pkg/errors at its CLI boundary).
func wrapConfigErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, "preforkd: "+msg)
}
