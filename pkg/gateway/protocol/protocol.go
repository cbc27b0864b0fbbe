// Package protocol defines the JSON frames exchanged with exam UI
// clients over the websocket.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skillreview/osce-live/pkg/exam"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Client -> server frames.

type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// DurationSeconds optionally shortens the configured exam length.
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

type ClientStart struct {
	Type string `json:"type"`
}

type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ClientVideoFrame struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ClientRequestEnd struct {
	Type string `json:"type"`
}

type ClientConfirmEnd struct {
	Type string `json:"type"`
}

type ClientCancelEnd struct {
	Type string `json:"type"`
}

type ClientAcceptSuggestion struct {
	Type string `json:"type"`
}

type ClientRejectSuggestion struct {
	Type string `json:"type"`
}

type ClientCycleItem struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

type ClientResumeSaved struct {
	Type string `json:"type"`
}

type ClientDiscardSaved struct {
	Type string `json:"type"`
}

// Server -> client frames.

type SavedSession struct {
	Transcript []exam.TranscriptEntry `json:"transcript"`
	Rubric     []exam.RubricItem      `json:"rubric"`
}

type ServerHelloAck struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SavedSession    *SavedSession `json:"saved_session,omitempty"`
}

type ServerState struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type ServerTranscriptEntry struct {
	Type    string `json:"type"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

type ServerRubric struct {
	Type  string            `json:"type"`
	Items []exam.RubricItem `json:"items"`
}

type ServerSuggestion struct {
	Type      string `json:"type"`
	SkillID   string `json:"skill_id"`
	Status    string `json:"status"`
	Reasoning string `json:"reasoning"`
}

type ServerSuggestionCleared struct {
	Type string `json:"type"`
}

type ServerCountdown struct {
	Type             string `json:"type"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

type ServerSummary struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAudioOut struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeClientMessage parses one inbound text frame into its typed
// form, dispatching on the type discriminator.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if msg.DurationSeconds < 0 {
			return nil, badRequest("hello.duration_seconds must be >= 0", "duration_seconds")
		}
		return msg, nil
	case "start":
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "video_frame":
		var msg ClientVideoFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid video_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("video_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "request_end":
		var msg ClientRequestEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid request_end frame", "")
		}
		return msg, nil
	case "confirm_end":
		var msg ClientConfirmEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid confirm_end frame", "")
		}
		return msg, nil
	case "cancel_end":
		var msg ClientCancelEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid cancel_end frame", "")
		}
		return msg, nil
	case "accept_suggestion":
		var msg ClientAcceptSuggestion
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid accept_suggestion frame", "")
		}
		return msg, nil
	case "reject_suggestion":
		var msg ClientRejectSuggestion
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid reject_suggestion frame", "")
		}
		return msg, nil
	case "cycle_item":
		var msg ClientCycleItem
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid cycle_item frame", "")
		}
		if strings.TrimSpace(msg.ItemID) == "" {
			return nil, badRequest("cycle_item.item_id is required", "item_id")
		}
		return msg, nil
	case "resume_saved":
		var msg ClientResumeSaved
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid resume_saved frame", "")
		}
		return msg, nil
	case "discard_saved":
		var msg ClientDiscardSaved
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid discard_saved frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unknown frame type", "type")
	}
}
