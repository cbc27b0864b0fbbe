package exam

// Event is a session notification delivered to the UI layer.
type Event interface {
	EventType() string
}

// StateChangedEvent reports a lifecycle transition.
type StateChangedEvent struct {
	State State `json:"state"`
}

func (*StateChangedEvent) EventType() string { return "state_changed" }

// TranscriptEntryEvent carries one newly appended transcript entry.
type TranscriptEntryEvent struct {
	Entry TranscriptEntry `json:"entry"`
}

func (*TranscriptEntryEvent) EventType() string { return "transcript_entry" }

// RubricUpdatedEvent carries the full checklist after a change.
type RubricUpdatedEvent struct {
	Rubric []RubricItem `json:"rubric"`
}

func (*RubricUpdatedEvent) EventType() string { return "rubric_updated" }

// SuggestionEvent carries a new pending suggestion awaiting review.
type SuggestionEvent struct {
	Suggestion Suggestion `json:"suggestion"`
}

func (*SuggestionEvent) EventType() string { return "suggestion" }

// SuggestionClearedEvent signals the pending suggestion was resolved
// or dropped.
type SuggestionClearedEvent struct{}

func (*SuggestionClearedEvent) EventType() string { return "suggestion_cleared" }

// SummaryEvent carries the generated performance summary.
type SummaryEvent struct {
	Text string `json:"text"`
}

func (*SummaryEvent) EventType() string { return "summary" }

// AudioOutEvent carries a chunk of remote PCM audio for clients that
// play audio themselves.
type AudioOutEvent struct {
	PCM []byte `json:"pcm"`
}

func (*AudioOutEvent) EventType() string { return "audio_out" }
