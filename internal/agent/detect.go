package agent

// callSignature identifies one tool call for pattern detection.
type callSignature struct {
	tool    string
	args    string
	success bool
}

// observationTools produce information without changing page state; a long
// streak of them with no navigation means the run is stalling.
var observationTools = map[string]bool{
	"get_page_info":    true,
	"get_page_content": true,
	"find_element":     true,
	"get_dialog_info":  true,
	"get_network_logs": true,
	"get_console_logs": true,
	"get_downloads":    true,
	"list_tabs":        true,
	"screenshot":       true,
}

// Detector watches the tool-call stream for loops: exact repeats,
// oscillation, futile retries, and progress stalls. Hints are returned to
// the loop, which defers them past the turn's tool messages.
type Detector struct {
	history []callSignature
}

// NewDetector creates an empty detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Observe records one executed call and returns a hint when a pattern
// fires (empty string otherwise). Firing resets the signature buffer so
// the same pattern doesn't re-fire every call.
func (d *Detector) Observe(tool, args string, success bool) string {
	d.history = append(d.history, callSignature{tool: tool, args: args, success: success})

	if hint := d.exactRepeat(); hint != "" {
		d.history = nil
		return hint
	}
	if hint := d.oscillation(); hint != "" {
		d.history = nil
		return hint
	}
	if hint := d.futileRetry(); hint != "" {
		d.history = nil
		return hint
	}
	if hint := d.progressStall(); hint != "" {
		d.history = nil
		return hint
	}
	return ""
}

// exactRepeat fires when the last three calls are identical (tool, args).
func (d *Detector) exactRepeat() string {
	if len(d.history) < 3 {
		return ""
	}
	a, b, c := d.history[len(d.history)-3], d.history[len(d.history)-2], d.history[len(d.history)-1]
	if a.tool == b.tool && b.tool == c.tool && a.args == b.args && b.args == c.args {
		return "[系统提示] ⚠️ The same " + c.tool + " call was repeated three times with identical arguments. Repeating it again will not change the outcome — reconsider the approach, or gather fresh information with get_page_info."
	}
	return ""
}

// oscillation fires on an A-B-A-B-A-B pattern over the last six calls.
func (d *Detector) oscillation() string {
	if len(d.history) < 6 {
		return ""
	}
	last := d.history[len(d.history)-6:]
	sigA := last[0].tool + "\x00" + last[0].args
	sigB := last[1].tool + "\x00" + last[1].args
	if sigA == sigB {
		return ""
	}
	for i := 2; i < 6; i++ {
		want := sigA
		if i%2 == 1 {
			want = sigB
		}
		if last[i].tool+"\x00"+last[i].args != want {
			return ""
		}
	}
	return "[系统提示] ⚠️ The last six calls alternate between two identical actions. This back-and-forth is not making progress — step back and choose a different path toward the goal."
}

// futileRetry fires when the last two identical-arg calls both failed.
func (d *Detector) futileRetry() string {
	if len(d.history) < 2 {
		return ""
	}
	a, b := d.history[len(d.history)-2], d.history[len(d.history)-1]
	if a.tool == b.tool && a.args == b.args && !a.success && !b.success {
		return "[系统提示] ⚠️ The same failing " + b.tool + " call was retried and failed again. Retrying once more will likely fail too — read the error message and try a different element or approach."
	}
	return ""
}

// progressStall fires when the last five calls are all observation-only.
func (d *Detector) progressStall() string {
	if len(d.history) < 5 {
		return ""
	}
	for _, sig := range d.history[len(d.history)-5:] {
		if !observationTools[sig.tool] {
			return ""
		}
	}
	return "[系统提示] ⚠️ The last five calls only inspected the page without acting on it. If enough information is gathered, act (click, type, navigate) or finish with done."
}
