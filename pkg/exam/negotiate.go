package exam

import (
	"fmt"

	"github.com/skillreview/osce-live/pkg/live"
)

// ToolSuggestRubricUpdate is the function the remote examiner calls to
// propose a checklist update.
const ToolSuggestRubricUpdate = "suggestRubricUpdate"

// Negotiator runs the human-in-the-loop protocol for checklist
// suggestions. At most one suggestion is pending at a time; proposals
// arriving while one is pending are answered with a textual rejection
// instead of being queued. Not safe for concurrent use; the session
// serializes access.
type Negotiator struct {
	validIDs map[string]struct{}
	pending  *Suggestion
}

// NewNegotiator builds a negotiator accepting suggestions for the
// given checklist items.
func NewNegotiator(rubric []RubricItem) *Negotiator {
	ids := make(map[string]struct{}, len(rubric))
	for _, item := range rubric {
		ids[item.ID] = struct{}{}
	}
	return &Negotiator{validIDs: ids}
}

// Pending returns the outstanding suggestion, if any.
func (n *Negotiator) Pending() *Suggestion {
	if n.pending == nil {
		return nil
	}
	s := *n.pending
	return &s
}

// HandleCall processes an inbound tool call. It returns the newly
// pending suggestion when the call is accepted for human review, or an
// immediate response when another suggestion is already pending.
// Malformed calls (wrong name, missing fields, unknown skill, bad
// status) are ignored entirely and return neither.
func (n *Negotiator) HandleCall(call live.ToolCall) (*Suggestion, *live.ToolResponse) {
	if call.Name != ToolSuggestRubricUpdate {
		return nil, nil
	}

	// A second proposal is turned away before any validation, so the
	// remote always hears back while a suggestion is under review.
	if n.pending != nil {
		skillID, _ := stringArg(call.Args, "skillId")
		return nil, &live.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: fmt.Sprintf("Suggestion for %s ignored as another suggestion is pending.", skillID),
		}
	}

	skillID, ok := stringArg(call.Args, "skillId")
	if !ok {
		return nil, nil
	}
	if _, known := n.validIDs[skillID]; !known {
		return nil, nil
	}
	statusStr, ok := stringArg(call.Args, "status")
	if !ok || !ValidProposedStatus(RubricStatus(statusStr)) {
		return nil, nil
	}
	reasoning, ok := stringArg(call.Args, "reasoning")
	if !ok {
		return nil, nil
	}

	n.pending = &Suggestion{
		SkillID:       skillID,
		Status:        RubricStatus(statusStr),
		Reasoning:     reasoning,
		CorrelationID: call.ID,
	}
	s := *n.pending
	return &s, nil
}

// Resolve clears the pending suggestion and returns it together with
// the response to send to the remote. ok is false when nothing is
// pending.
func (n *Negotiator) Resolve(accepted bool) (Suggestion, live.ToolResponse, bool) {
	if n.pending == nil {
		return Suggestion{}, live.ToolResponse{}, false
	}
	s := *n.pending
	n.pending = nil

	verb := "rejected"
	if accepted {
		verb = "accepted"
	}
	return s, live.ToolResponse{
		ID:     s.CorrelationID,
		Name:   ToolSuggestRubricUpdate,
		Result: fmt.Sprintf("User has %s the suggestion for %s.", verb, s.SkillID),
	}, true
}

// Clear drops the pending suggestion without responding. Used during
// teardown, when the connection is already gone.
func (n *Negotiator) Clear() {
	n.pending = nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
