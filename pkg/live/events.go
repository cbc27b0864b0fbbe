package live

// Event is the interface for all inbound transport events.
type Event interface {
	// EventType returns the event type string for logging and dispatch.
	EventType() string
}

// OpenEvent is emitted once when the remote connection is established.
type OpenEvent struct{}

func (e *OpenEvent) EventType() string { return "connection.open" }

// ErrorEvent is emitted on a transport-level failure. It is terminal for
// the connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (e *ErrorEvent) EventType() string { return "connection.error" }

// CloseEvent is emitted when the remote closes the connection cleanly.
type CloseEvent struct {
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e *CloseEvent) EventType() string { return "connection.close" }

// AudioChunkEvent carries a chunk of output audio (raw PCM, decoded from
// the wire encoding).
type AudioChunkEvent struct {
	Data []byte `json:"data"`
}

func (e *AudioChunkEvent) EventType() string { return "audio.chunk" }

// InputTranscriptionEvent carries an incremental fragment of the
// participant-side transcription.
type InputTranscriptionEvent struct {
	Text string `json:"text"`
}

func (e *InputTranscriptionEvent) EventType() string { return "transcription.input" }

// OutputTranscriptionEvent carries an incremental fragment of the
// remote-side transcription.
type OutputTranscriptionEvent struct {
	Text string `json:"text"`
}

func (e *OutputTranscriptionEvent) EventType() string { return "transcription.output" }

// TurnCompleteEvent signals that the current conversational turn is done
// and accumulated transcription fragments should be flushed.
type TurnCompleteEvent struct{}

func (e *TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent signals that in-flight output audio was interrupted
// and all scheduled playback must stop immediately.
type InterruptedEvent struct{}

func (e *InterruptedEvent) EventType() string { return "turn.interrupted" }

// ToolCallEvent carries one or more function calls from the remote.
type ToolCallEvent struct {
	Calls []ToolCall `json:"calls"`
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// ToolCall is a single function call requested by the remote service.
// Args is the loosely-typed argument payload; callers coerce it into
// typed values at the boundary.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResponse answers a ToolCall on its correlation id.
type ToolResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}
