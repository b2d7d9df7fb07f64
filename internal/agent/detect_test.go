package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectorExactRepeat(t *testing.T) {
	d := NewDetector()
	assert.Empty(t, d.Observe("click", `{"element_id":"e1"}`, true))
	assert.Empty(t, d.Observe("click", `{"element_id":"e1"}`, true))
	hint := d.Observe("click", `{"element_id":"e1"}`, true)
	assert.Contains(t, hint, "[系统提示]")
	assert.Contains(t, hint, "⚠️")

	// Buffer reset: the same call doesn't re-fire immediately.
	assert.Empty(t, d.Observe("click", `{"element_id":"e1"}`, true))
	assert.Empty(t, d.Observe("click", `{"element_id":"e1"}`, true))
	assert.NotEmpty(t, d.Observe("click", `{"element_id":"e1"}`, true))
}

func TestDetectorDifferentArgsNoRepeat(t *testing.T) {
	d := NewDetector()
	assert.Empty(t, d.Observe("click", `{"element_id":"e1"}`, true))
	assert.Empty(t, d.Observe("click", `{"element_id":"e2"}`, true))
	assert.Empty(t, d.Observe("click", `{"element_id":"e3"}`, true))
}

func TestDetectorOscillation(t *testing.T) {
	d := NewDetector()
	var hint string
	for i := 0; i < 3; i++ {
		hint = d.Observe("switch_tab", `{"tab_id":"a"}`, true)
		if hint != "" {
			break
		}
		hint = d.Observe("switch_tab", `{"tab_id":"b"}`, true)
		if hint != "" {
			break
		}
	}
	assert.Contains(t, hint, "alternate")
}

func TestDetectorFutileRetry(t *testing.T) {
	d := NewDetector()
	assert.Empty(t, d.Observe("click", `{"element_id":"e9"}`, false))
	hint := d.Observe("click", `{"element_id":"e9"}`, false)
	assert.Contains(t, hint, "failed again")
}

func TestDetectorProgressStall(t *testing.T) {
	d := NewDetector()
	var hint string
	tools := []string{"get_page_info", "get_page_content", "get_page_info", "find_element", "get_page_content"}
	for i, tool := range tools {
		hint = d.Observe(tool, `{"n":`+string(rune('0'+i))+`}`, true)
	}
	assert.Contains(t, hint, "inspected the page")
}

func TestDetectorNoStallWithAction(t *testing.T) {
	d := NewDetector()
	var hint string
	tools := []string{"get_page_info", "get_page_content", "click", "get_page_info", "get_page_content"}
	for i, tool := range tools {
		hint = d.Observe(tool, `{"n":`+string(rune('0'+i))+`}`, true)
		assert.Empty(t, hint)
	}
}
