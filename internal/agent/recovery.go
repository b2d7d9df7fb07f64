package agent

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"browserpilot/internal/errs"
)

// DecisionKind is what the recovery policy tells the loop to do.
type DecisionKind int

const (
	// DecisionRetry waits Delay and lets the loop try again.
	DecisionRetry DecisionKind = iota
	// DecisionInjectHint keeps the tool error in the conversation and
	// appends a user-role hint.
	DecisionInjectHint
	// DecisionAbort ends the run with Reason.
	DecisionAbort
)

// Decision is the recovery policy's verdict for one failure.
type Decision struct {
	Kind   DecisionKind
	Delay  time.Duration
	Hint   string
	Reason string
}

// retryDelayCap bounds the exponential retry delay.
const retryDelayCap = 10 * time.Second

// Recover is the pure recovery policy: it maps (tool, error code, message,
// consecutive count) to retry / inject_hint / abort. It holds no state;
// the loop owns the consecutive-error counter.
func Recover(tool string, code errs.Code, message string, consecutive, maxConsecutive int) Decision {
	if consecutive >= maxConsecutive {
		return Decision{
			Kind:   DecisionAbort,
			Reason: "too many consecutive errors (" + message + ")",
		}
	}

	if code == errs.CodeSessionNotFound {
		return Decision{Kind: DecisionAbort, Reason: "browser session lost: " + message}
	}

	if errs.IsTemporary(code) || isTransientMessage(message) {
		return Decision{Kind: DecisionRetry, Delay: retryDelay(consecutive)}
	}

	switch code {
	case errs.CodeElementNotFound:
		return Decision{
			Kind: DecisionInjectHint,
			Hint: "[系统提示] The element id was not found on the current page. Call get_page_info to refresh the element list before interacting again.",
		}
	case errs.CodeInvalidParameter:
		return Decision{
			Kind: DecisionInjectHint,
			Hint: "[系统提示] The last " + tool + " call had invalid parameters. Check the tool's parameter names and types and try again.",
		}
	}

	// Unclassified failures: let the LLM read the error and adjust.
	return Decision{Kind: DecisionInjectHint, Hint: ""}
}

// retryDelay grows exponentially with the consecutive-error count, capped
// at 10 s, with backoff jitter.
func retryDelay(consecutive int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = retryDelayCap
	b.RandomizationFactor = 0.2
	b.Reset()
	var d time.Duration
	for i := 0; i <= consecutive; i++ {
		d = b.NextBackOff()
	}
	if d > retryDelayCap || d == backoff.Stop {
		d = retryDelayCap
	}
	return d
}

// isTransientMessage pattern-matches failures worth retrying that carry no
// taxonomy code (raw LLM client errors, mostly).
func isTransientMessage(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range []string{
		"timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "temporarily unavailable",
		"429", "rate limit", "502", "503", "504",
	} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
