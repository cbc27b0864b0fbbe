package live

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/genai"
)

// GeminiDialer opens Gemini Live API sessions.
type GeminiDialer struct {
	Client *genai.Client
}

// NewGeminiClient builds a genai client against the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// Connect opens a live session. On success the connection is already
// acknowledged by the remote, so callers may treat the returned
// transport as open.
func (d *GeminiDialer) Connect(ctx context.Context, cfg ConnectConfig) (Transport, error) {
	if d == nil || d.Client == nil {
		return nil, fmt.Errorf("gemini dialer is not configured")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	connectCfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		connectCfg.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	if len(cfg.Functions) > 0 {
		connectCfg.Tools = []*genai.Tool{{FunctionDeclarations: functionDecls(cfg.Functions)}}
	}

	session, err := d.Client.Live.Connect(ctx, cfg.Model, connectCfg)
	if err != nil {
		return nil, fmt.Errorf("connect live session: %w", err)
	}

	t := &geminiTransport{
		session: session,
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func functionDecls(fns []FunctionDecl) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(fns))
	for _, fn := range fns {
		props := make(map[string]*genai.Schema, len(fn.Params))
		var required []string
		for _, p := range fn.Params {
			props[p.Name] = &genai.Schema{
				Type:        genai.TypeString,
				Description: p.Description,
				Enum:        p.Enum,
			}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: props,
				Required:   required,
			},
		})
	}
	return decls
}

// geminiTransport adapts a genai live session to the Transport
// interface.
type geminiTransport struct {
	session *genai.Session

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func (t *geminiTransport) SendMedia(frame MediaFrame) error {
	if t.closed.Load() {
		return fmt.Errorf("live session is closed")
	}
	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return fmt.Errorf("decode media frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: data, MIMEType: frame.MIMEType},
	})
}

func (t *geminiTransport) SendToolResponse(resp ToolResponse) error {
	if t.closed.Load() {
		return fmt.Errorf("live session is closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       resp.ID,
			Name:     resp.Name,
			Response: map[string]any{"result": resp.Result},
		}},
	})
}

func (t *geminiTransport) Events() <-chan Event {
	return t.events
}

func (t *geminiTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		if t.session != nil {
			_ = t.session.Close()
		}
	})
	return nil
}

// readLoop translates inbound server messages into Events until the
// session ends. A terminal close or error event is always the last
// event delivered.
func (t *geminiTransport) readLoop() {
	defer close(t.events)

	for {
		msg, err := t.session.Receive()
		if err != nil {
			if t.closed.Load() {
				t.deliver(&CloseEvent{Reason: "closed by client"})
				return
			}
			t.deliver(&ErrorEvent{Message: err.Error()})
			return
		}
		if msg == nil {
			continue
		}

		if sc := msg.ServerContent; sc != nil {
			// Interruption takes priority over any in-flight audio.
			if sc.Interrupted {
				t.deliver(&InterruptedEvent{})
			}
			if sc.ModelTurn != nil {
				for _, part := range sc.ModelTurn.Parts {
					if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
						t.deliver(&AudioChunkEvent{Data: part.InlineData.Data})
					}
				}
			}
			if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
				t.deliver(&InputTranscriptionEvent{Text: sc.InputTranscription.Text})
			}
			if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
				t.deliver(&OutputTranscriptionEvent{Text: sc.OutputTranscription.Text})
			}
			if sc.TurnComplete {
				t.deliver(&TurnCompleteEvent{})
			}
		}

		if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
			calls := make([]ToolCall, 0, len(tc.FunctionCalls))
			for _, fc := range tc.FunctionCalls {
				if fc == nil {
					continue
				}
				calls = append(calls, ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
			}
			if len(calls) > 0 {
				t.deliver(&ToolCallEvent{Calls: calls})
			}
		}

		if msg.GoAway != nil {
			t.deliver(&CloseEvent{Reason: "server go-away"})
			return
		}
	}
}

// deliver blocks until the consumer takes the event, unless the client
// has already closed the transport and stopped reading.
func (t *geminiTransport) deliver(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// GeminiGenerator issues one-shot generation requests, used for the
// end-of-session summary.
type GeminiGenerator struct {
	Client *genai.Client
	Model  string
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g == nil || g.Client == nil {
		return "", fmt.Errorf("gemini generator is not configured")
	}
	model := g.Model
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.5-flash"
	}
	resp, err := g.Client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty generation response")
	}
	return text, nil
}
