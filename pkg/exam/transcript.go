package exam

import "strings"

// TurnAssembler reassembles incremental transcription fragments into
// finalized transcript turns. Fragments accumulate per direction in
// arrival order; a turn-complete signal flushes whichever buffers are
// non-empty and clears both.
type TurnAssembler struct {
	input  strings.Builder
	output strings.Builder
}

// AddInput appends a participant transcription fragment.
func (a *TurnAssembler) AddInput(text string) {
	a.input.WriteString(text)
}

// AddOutput appends a remote transcription fragment.
func (a *TurnAssembler) AddOutput(text string) {
	a.output.WriteString(text)
}

// TurnComplete finalizes the accumulated fragments. It returns at most
// one participant entry followed by at most one remote entry, skipping
// whitespace-only buffers, and always clears both buffers. A second
// call with nothing accumulated returns nothing.
func (a *TurnAssembler) TurnComplete() []TranscriptEntry {
	var entries []TranscriptEntry
	if text := strings.TrimSpace(a.input.String()); text != "" {
		entries = append(entries, TranscriptEntry{Speaker: SpeakerParticipant, Text: text})
	}
	if text := strings.TrimSpace(a.output.String()); text != "" {
		entries = append(entries, TranscriptEntry{Speaker: SpeakerRemote, Text: text})
	}
	a.input.Reset()
	a.output.Reset()
	return entries
}

// Reset drops any accumulated fragments without emitting entries.
func (a *TurnAssembler) Reset() {
	a.input.Reset()
	a.output.Reset()
}
