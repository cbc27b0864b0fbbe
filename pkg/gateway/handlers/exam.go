package handlers

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillreview/osce-live/pkg/exam"
	"github.com/skillreview/osce-live/pkg/gateway/config"
	"github.com/skillreview/osce-live/pkg/gateway/protocol"
	"github.com/skillreview/osce-live/pkg/live"
	"github.com/skillreview/osce-live/pkg/media"
	"github.com/skillreview/osce-live/pkg/playback"
)

// ExamHandler runs one exam session per websocket connection on
// /v1/exam. The browser is a renderer: it pushes captured media frames
// up and draws the frames the session emits.
type ExamHandler struct {
	Config    config.Config
	Dialer    live.Dialer
	Generator live.Generator
	Store     exam.SnapshotStore
	Logger    *slog.Logger
	Draining  Draining
}

func (h ExamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Draining != nil && h.Draining.IsDraining() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	writer := &wsWriter{conn: conn, timeout: h.Config.WSWriteTimeout}

	hello, ok := h.readHello(conn, writer)
	if !ok {
		return
	}

	duration := h.Config.SessionDuration
	if hello.DurationSeconds > 0 {
		requested := time.Duration(hello.DurationSeconds) * time.Second
		if requested < duration {
			duration = requested
		}
	}

	sess := exam.NewSession(exam.Config{
		LiveModel: h.Config.LiveModel,
		Duration:  duration,
	}, exam.Deps{
		Dialer:    h.Dialer,
		Store:     h.Store,
		Generator: h.Generator,
		Sink:      playback.DiscardSink{},
		Logger:    logger,
	})
	defer sess.Close()

	ack := protocol.ServerHelloAck{Type: "hello_ack", ProtocolVersion: protocol.ProtocolVersion1}
	if snap, found, err := sess.SavedSession(context.Background()); err != nil {
		logger.Warn("load saved snapshot", "err", err)
	} else if found {
		ack.SavedSession = &protocol.SavedSession{Transcript: snap.Transcript, Rubric: snap.Rubric}
	}
	if err := writer.writeJSON(ack); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Time{})

	go h.forwardEvents(sess, writer, conn)

	h.readLoop(conn, writer, sess, logger)
}

func (h ExamHandler) readHello(conn *websocket.Conn, writer *wsWriter) (protocol.ClientHello, bool) {
	handshakeTimeout := h.Config.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writer.writeError("bad_request", "failed to read hello")
		return protocol.ClientHello{}, false
	}
	if messageType != websocket.TextMessage {
		writer.writeError("bad_request", "first frame must be hello")
		return protocol.ClientHello{}, false
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		writer.writeError("bad_request", "invalid hello frame")
		return protocol.ClientHello{}, false
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		writer.writeError("bad_request", "first frame must be hello")
		return protocol.ClientHello{}, false
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		writer.writeError("unsupported_version", "unsupported protocol_version")
		return protocol.ClientHello{}, false
	}
	return hello, true
}

func (h ExamHandler) readLoop(conn *websocket.Conn, writer *wsWriter, sess *exam.Session, logger *slog.Logger) {
	ctx := context.Background()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			writer.writeError("bad_request", "binary frames are not supported")
			continue
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			writer.writeError("bad_request", err.Error())
			continue
		}

		switch msg := decoded.(type) {
		case protocol.ClientStart:
			if err := sess.Start(ctx); err != nil {
				writer.writeError("invalid_state", err.Error())
			}
		case protocol.ClientAudioFrame:
			sess.SendAudioFrame(live.MediaFrame{
				MIMEType: media.AudioMIMEType(media.InputSampleRate),
				Data:     msg.DataB64,
			})
		case protocol.ClientVideoFrame:
			sess.SendVideoFrame(live.MediaFrame{
				MIMEType: media.VideoMIMEType,
				Data:     msg.DataB64,
			})
		case protocol.ClientRequestEnd, protocol.ClientCancelEnd:
			// The confirmation dialog is client-side; acknowledge with
			// the current state so the UI stays in sync.
			_ = writer.writeJSON(protocol.ServerState{Type: "state", State: sess.State().String()})
		case protocol.ClientConfirmEnd:
			sess.ConfirmEnd(ctx)
		case protocol.ClientAcceptSuggestion:
			sess.AcceptSuggestion()
		case protocol.ClientRejectSuggestion:
			sess.RejectSuggestion()
		case protocol.ClientCycleItem:
			sess.CycleItem(msg.ItemID)
		case protocol.ClientResumeSaved:
			snap, err := sess.Resume(ctx)
			if err != nil {
				writer.writeError("no_saved_session", err.Error())
				continue
			}
			h.replaySnapshot(writer, sess, snap)
		case protocol.ClientDiscardSaved:
			if err := sess.DiscardSaved(ctx); err != nil {
				logger.Warn("discard saved snapshot", "err", err)
				writer.writeError("store_error", "failed to discard saved session")
			}
		case protocol.ClientHello:
			writer.writeError("bad_request", "hello may only be sent once")
		}
	}
}

// replaySnapshot pushes a resumed session's full review state.
func (h ExamHandler) replaySnapshot(writer *wsWriter, sess *exam.Session, snap exam.Snapshot) {
	_ = writer.writeJSON(protocol.ServerRubric{Type: "rubric", Items: snap.Rubric})
	for _, entry := range snap.Transcript {
		_ = writer.writeJSON(protocol.ServerTranscriptEntry{
			Type:    "transcript_entry",
			Speaker: string(entry.Speaker),
			Text:    entry.Text,
		})
	}
	if summary := sess.Summary(); summary != "" {
		_ = writer.writeJSON(protocol.ServerSummary{Type: "summary", Text: summary})
	}
	_ = writer.writeJSON(protocol.ServerState{Type: "state", State: sess.State().String()})
}

func (h ExamHandler) forwardEvents(sess *exam.Session, writer *wsWriter, conn *websocket.Conn) {
	interval := h.Config.CountdownInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sess.Events():
			frame := frameForEvent(ev)
			if frame == nil {
				continue
			}
			if err := writer.writeJSON(frame); err != nil {
				// Unblock the read loop.
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			rem, ok := sess.Remaining()
			if !ok {
				continue
			}
			secs := int((rem + time.Second - 1) / time.Second)
			if err := writer.writeJSON(protocol.ServerCountdown{Type: "countdown", RemainingSeconds: secs}); err != nil {
				_ = conn.Close()
				return
			}
		case <-sess.Done():
			return
		}
	}
}

func frameForEvent(ev exam.Event) any {
	switch e := ev.(type) {
	case *exam.StateChangedEvent:
		return protocol.ServerState{Type: "state", State: e.State.String()}
	case *exam.TranscriptEntryEvent:
		return protocol.ServerTranscriptEntry{
			Type:    "transcript_entry",
			Speaker: string(e.Entry.Speaker),
			Text:    e.Entry.Text,
		}
	case *exam.RubricUpdatedEvent:
		return protocol.ServerRubric{Type: "rubric", Items: e.Rubric}
	case *exam.SuggestionEvent:
		return protocol.ServerSuggestion{
			Type:      "suggestion",
			SkillID:   e.Suggestion.SkillID,
			Status:    string(e.Suggestion.Status),
			Reasoning: e.Suggestion.Reasoning,
		}
	case *exam.SuggestionClearedEvent:
		return protocol.ServerSuggestionCleared{Type: "suggestion_cleared"}
	case *exam.SummaryEvent:
		return protocol.ServerSummary{Type: "summary", Text: e.Text}
	case *exam.AudioOutEvent:
		return protocol.ServerAudioOut{
			Type:    "audio_out",
			DataB64: base64.StdEncoding.EncodeToString(e.PCM),
		}
	default:
		return nil
	}
}

func (h ExamHandler) originAllowed(r *http.Request) bool {
	if len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}

type wsWriter struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

func (w *wsWriter) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *wsWriter) writeError(code, message string) {
	_ = w.writeJSON(protocol.ServerError{Type: "error", Code: code, Message: message})
}
