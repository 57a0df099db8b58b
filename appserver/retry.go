package appserver

// RetryDecision is the outcome of a RetryPolicy.
type RetryDecision int

const (
	// RetryFail surfaces the original disconnect error to the caller.
	RetryFail RetryDecision = iota
	// RetryOnce re-issues the call once on the restarted connection.
	RetryOnce
)

func (d RetryDecision) String() string {
	if d == RetryOnce {
		return "retry"
	}
	return "fail"
}

// RetryContext describes a call that failed because its epoch died.
type RetryContext struct {
	Params any
	// Err is the *DisconnectedError the call failed with.
	Err    *DisconnectedError
	Method string
	// Attempt is 1 for the original call.
	Attempt int
}

// RetryPolicy decides whether a call interrupted by a disconnect is re-issued
// after the restart. It is consulted only for disconnects, never for remote
// errors, and at most once per call.
type RetryPolicy func(RetryContext) RetryDecision

// NeverRetry is the default: replaying a side-effecting call (turn/start,
// say) could run it twice, so callers must opt in.
func NeverRetry(RetryContext) RetryDecision { return RetryFail }

// AlwaysRetry retries every interrupted call. Only safe when every method
// the caller uses is idempotent.
func AlwaysRetry(RetryContext) RetryDecision { return RetryOnce }

// RetryMethods retries only the listed methods.
func RetryMethods(methods ...string) RetryPolicy {
	allowed := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		allowed[m] = struct{}{}
	}
	return func(rc RetryContext) RetryDecision {
		if _, ok := allowed[rc.Method]; ok {
			return RetryOnce
		}
		return RetryFail
	}
}
