package live

import "context"

// MediaFrame is a single outbound realtime media payload. Data is
// base64-encoded; MIMEType identifies the encoding, for example
// "audio/pcm;rate=16000" or "image/jpeg".
type MediaFrame struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// ParamSpec describes one string parameter of a registered function.
type ParamSpec struct {
	Name        string
	Description string
	Enum        []string
	Required    bool
}

// FunctionDecl declares a function the remote service may call during
// the session.
type FunctionDecl struct {
	Name        string
	Description string
	Params      []ParamSpec
}

// ConnectConfig configures a live connection.
type ConnectConfig struct {
	Model             string
	SystemInstruction string
	Functions         []FunctionDecl
}

// Transport is one bidirectional streaming connection to the remote
// evaluation service. Implementations must be safe for concurrent sends.
type Transport interface {
	// SendMedia sends a realtime media frame.
	SendMedia(frame MediaFrame) error

	// SendToolResponse answers a previously received tool call.
	SendToolResponse(resp ToolResponse) error

	// Events yields inbound protocol events. The channel is closed after
	// a terminal CloseEvent or ErrorEvent has been delivered.
	Events() <-chan Event

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens live connections.
type Dialer interface {
	Connect(ctx context.Context, cfg ConnectConfig) (Transport, error)
}

// Generator issues a single one-shot text generation request.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
