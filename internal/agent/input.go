package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// InputField describes one structured field requested from the human.
type InputField struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Type  string `json:"type,omitempty"` // text or password
}

// pendingInput is the one-shot completion primitive behind ask_human: the
// loop blocks on ch; Resolve and cancel are idempotent and safe to race.
type pendingInput struct {
	requestID string
	fields    []InputField

	once  sync.Once
	ch    chan map[string]string
	timer *time.Timer
}

func newPendingInput(requestID string, fields []InputField, timeout time.Duration, onTimeout func()) *pendingInput {
	p := &pendingInput{
		requestID: requestID,
		fields:    fields,
		ch:        make(chan map[string]string, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		p.once.Do(func() {
			close(p.ch)
		})
		if onTimeout != nil {
			onTimeout()
		}
	})
	return p
}

// resolve delivers the response. Returns false when the request already
// completed (resolved, cancelled, or timed out).
func (p *pendingInput) resolve(response map[string]string) bool {
	delivered := false
	p.once.Do(func() {
		p.timer.Stop()
		p.ch <- response
		close(p.ch)
		delivered = true
	})
	return delivered
}

// cancel abandons the request.
func (p *pendingInput) cancel() {
	p.once.Do(func() {
		p.timer.Stop()
		close(p.ch)
	})
}

// wait blocks until the response arrives or the request completes empty
// (timeout/cancel). ok is false in the latter case.
func (p *pendingInput) wait() (map[string]string, bool) {
	resp, ok := <-p.ch
	return resp, ok
}

// maskResponse renders the response with password-typed fields hidden, for
// events and the conversation.
func maskResponse(fields []InputField, response map[string]string) string {
	passwordFields := make(map[string]bool)
	for _, f := range fields {
		if f.Type == "password" {
			passwordFields[f.Name] = true
		}
	}
	masked := make(map[string]string, len(response))
	for k, v := range response {
		if passwordFields[k] {
			masked[k] = "***"
		} else {
			masked[k] = v
		}
	}
	out, _ := json.Marshal(masked)
	return string(out)
}
