// Package toolcall validates tool-call/tool-response pairing in canonical
// message histories. Every assistant tool_calls[i].id must be answered by a
// later tool message with the matching tool_call_id, and no tool message may
// answer an id that was never issued.
//
// A Validator is built per request and discarded with it. Sharing one across
// requests would leak call ids between unrelated conversations.
package toolcall

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/modelrelay/modelrelay/internal/canonical"
)

// Call states tracked by the validator.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// State is the lifecycle record of a single tool call id.
type State struct {
	ID          string
	Name        string
	Status      string
	Index       int // message index that issued the call
	IssuedAt    time.Time
	RespondedAt time.Time
}

// Result reports the outcome of a history validation pass. Valid is false
// when Errors is non-empty; Warnings never fail the pass.
type Result struct {
	Valid                  bool
	Errors                 []error
	Warnings               []string
	Pending                []string
	ToolCallCount          int
	RespondedToolCallCount int
}

// Validator tracks tool-call state for one request.
type Validator struct {
	states map[string]*State
	order  []string
	now    func() time.Time
}

// NewValidator returns an empty per-request validator.
func NewValidator() *Validator {
	return &Validator{
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// Track registers a tool call issued at message index as pending. Re-tracking
// an existing id overwrites its record; empty ids are not trackable.
func (v *Validator) Track(id, name string, index int) {
	if id == "" {
		return
	}
	if _, ok := v.states[id]; !ok {
		v.order = append(v.order, id)
	}
	v.states[id] = &State{
		ID:       id,
		Name:     name,
		Status:   StatusPending,
		Index:    index,
		IssuedAt: v.now(),
	}
}

// Complete marks a tool call as answered. It reports whether the id was
// pending; answering an unknown id returns false and records nothing.
func (v *Validator) Complete(id string) bool {
	st, ok := v.states[id]
	if !ok {
		return false
	}
	if st.Status == StatusCompleted {
		return false
	}
	st.Status = StatusCompleted
	st.RespondedAt = v.now()
	return true
}

// State returns the tracked record for id, if any.
func (v *Validator) State(id string) (*State, bool) {
	st, ok := v.states[id]
	return st, ok
}

// Pending lists ids still awaiting a response, in issue order.
func (v *Validator) Pending() []string {
	var out []string
	for _, id := range v.order {
		if st := v.states[id]; st != nil && st.Status == StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// Validate walks a message history front to back: assistant tool calls open
// pending states, tool messages close them. Calls missing an id are reported
// and excluded from tracking; missing function names and unparsable arguments
// are reported but the call still participates in pairing. A tool message
// answering an unknown id is an error; ids still pending at the end are
// reported together in one aggregate error. Answering the same id twice is
// only a warning.
func (v *Validator) Validate(msgs []canonical.Message) Result {
	var res Result
	for i, msg := range msgs {
		switch msg.Role {
		case canonical.RoleAssistant:
			for j, tc := range msg.ToolCalls {
				if tc.ID == "" {
					res.Errors = append(res.Errors,
						fmt.Errorf("message %d: tool call %d has no id and cannot be paired", i, j))
					continue
				}
				if tc.Function.Name == "" {
					res.Errors = append(res.Errors,
						fmt.Errorf("message %d: tool call %q has no function name", i, tc.ID))
				}
				if !json.Valid([]byte(tc.Function.Arguments)) {
					res.Errors = append(res.Errors,
						fmt.Errorf("message %d: tool call %q carries unparsable arguments", i, tc.ID))
				}
				if st, ok := v.states[tc.ID]; ok && st.Status == StatusPending {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("tool call id %q reissued at message %d while still pending", tc.ID, i))
				}
				v.Track(tc.ID, tc.Function.Name, i)
				res.ToolCallCount++
			}
		case canonical.RoleTool:
			id := msg.ToolCallID
			if id == "" {
				res.Errors = append(res.Errors,
					fmt.Errorf("message %d: tool response missing tool_call_id", i))
				continue
			}
			st, known := v.states[id]
			if !known {
				res.Errors = append(res.Errors,
					fmt.Errorf("message %d: tool response references unknown tool call id %q", i, id))
				continue
			}
			if st.Status == StatusCompleted {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("tool call id %q answered more than once (message %d)", id, i))
				continue
			}
			v.Complete(id)
			res.RespondedToolCallCount++
		}
	}
	res.Pending = v.Pending()
	if len(res.Pending) > 0 {
		res.Errors = append(res.Errors,
			fmt.Errorf("%d tool call(s) never received a response: %s", len(res.Pending), v.describe(res.Pending)))
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// describe renders pending ids with their function names for the aggregate
// missing-responses error.
func (v *Validator) describe(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		if st := v.states[id]; st != nil && st.Name != "" {
			out += fmt.Sprintf("%s (%s)", id, st.Name)
		} else {
			out += id
		}
	}
	return out
}

// CleanupOlderThan drops pending states issued longer than d ago and returns
// the removed ids sorted for stable logging.
func (v *Validator) CleanupOlderThan(d time.Duration) []string {
	cutoff := v.now().Add(-d)
	var removed []string
	for id, st := range v.states {
		if st.Status == StatusPending && st.IssuedAt.Before(cutoff) {
			removed = append(removed, id)
			delete(v.states, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	sort.Strings(removed)
	kept := v.order[:0]
	for _, id := range v.order {
		if _, ok := v.states[id]; ok {
			kept = append(kept, id)
		}
	}
	v.order = kept
	return removed
}
