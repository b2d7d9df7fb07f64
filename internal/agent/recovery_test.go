package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"browserpilot/internal/errs"
)

func TestRecoverTimeoutIsRetryWithCappedDelay(t *testing.T) {
	d := Recover("navigate", errs.CodeNavigationTimeout, "navigation timeout", 1, 3)
	assert.Equal(t, DecisionRetry, d.Kind)
	assert.Greater(t, d.Delay, time.Duration(0))
	assert.LessOrEqual(t, d.Delay, 10*time.Second)

	// Delay grows with the consecutive count but stays capped.
	d2 := Recover("navigate", errs.CodeNavigationTimeout, "navigation timeout", 2, 5)
	assert.LessOrEqual(t, d2.Delay, 10*time.Second)
}

func TestRecoverTransientLLMMessage(t *testing.T) {
	d := Recover("_llm", errs.CodeExecutionError, "429 rate limit exceeded", 1, 3)
	assert.Equal(t, DecisionRetry, d.Kind)
}

func TestRecoverElementNotFoundInjectsHint(t *testing.T) {
	d := Recover("click", errs.CodeElementNotFound, "element e3 not found", 1, 3)
	assert.Equal(t, DecisionInjectHint, d.Kind)
	assert.Contains(t, d.Hint, "get_page_info")
}

func TestRecoverSessionLostAborts(t *testing.T) {
	d := Recover("click", errs.CodeSessionNotFound, "session not found", 1, 3)
	assert.Equal(t, DecisionAbort, d.Kind)
}

func TestRecoverConsecutiveCapAborts(t *testing.T) {
	d := Recover("click", errs.CodeElementNotFound, "element not found", 3, 3)
	assert.Equal(t, DecisionAbort, d.Kind)
	assert.Contains(t, d.Reason, "consecutive")
}

func TestRecoverUnknownErrorLetsLLMContinue(t *testing.T) {
	d := Recover("execute_javascript", errs.CodeExecutionError, "ReferenceError: x is not defined", 1, 3)
	assert.Equal(t, DecisionInjectHint, d.Kind)
	assert.Empty(t, d.Hint, "the tool error itself is enough context")
}
