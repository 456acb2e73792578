package quantum

import "runtime"

// callerLocation walks one frame past Panic to find the file/line of
// the subsystem that actually raised the panic.
func callerLocation() (string, int) {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown", 0
	}
	return file, line
}

// Recover converts a recovered KernelPanic into an error, and
// re-panics anything else (a genuine Go bug should not be swallowed
// silently). Intended for use at the single outermost recovery point
// in cmd/quantumd's dispatch loop, matching spec.md §7's "only three
// situations escalate to panic" propagation policy.
func Recover(r interface{}) error {
	if r == nil {
		return nil
	}
	if kp, ok := r.(*KernelPanic); ok {
		return kp
	}
	panic(r)
}
