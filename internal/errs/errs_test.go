package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New(CodeTabNotFound, "tab gone")
	wrapped := fmt.Errorf("while switching: %w", inner)
	assert.Equal(t, CodeTabNotFound, CodeOf(wrapped))
	assert.Equal(t, CodeExecutionError, CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCauseVisible(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	err := Wrap(CodeNavigationTimeout, "navigate", cause)
	assert.Contains(t, err.Error(), "context deadline exceeded")
	assert.ErrorIs(t, err, cause)
}

func TestClassifyPatterns(t *testing.T) {
	cases := map[string]Code{
		"navigation timeout after 30s":          CodeNavigationTimeout,
		"net::ERR_TIMED_OUT":                    CodeNavigationTimeout,
		"target crashed":                        CodePageCrashed,
		"element not found in current snapshot": CodeElementNotFound,
		"session not found: abc":                CodeSessionNotFound,
		"something else entirely":               CodeExecutionError,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(errors.New(msg)), "message %q", msg)
	}

	// Typed errors keep their code regardless of message.
	assert.Equal(t, CodeRunCanceled, Classify(New(CodeRunCanceled, "whatever text")))
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary(CodeNavigationTimeout))
	assert.True(t, IsTemporary(CodePageLoadTimeout))
	assert.False(t, IsTemporary(CodeElementNotFound))
	assert.False(t, IsTemporary(CodeSessionNotFound))
}
