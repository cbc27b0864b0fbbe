// Package exam implements the OSCE session engine: the state machine
// coordinating live media, the remote examiner connection, transcript
// assembly, rubric suggestion negotiation, crash-safe snapshots, and
// the end-of-session summary.
package exam

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerParticipant Speaker = "participant"
	SpeakerRemote      Speaker = "remote"
	SpeakerSystem      Speaker = "system"
	SpeakerSummary     Speaker = "summary"
)

// RubricStatus is the evaluation state of a checklist item.
type RubricStatus string

const (
	StatusPending RubricStatus = "pending"
	StatusMet     RubricStatus = "met"
	StatusNotMet  RubricStatus = "not_met"
)

// ValidProposedStatus reports whether s is a status the remote examiner
// may propose. Pending is the initial state only; proposals never move
// an item back to it.
func ValidProposedStatus(s RubricStatus) bool {
	return s == StatusMet || s == StatusNotMet
}

// TranscriptEntry is one finalized line of the session transcript.
// Entries are append-only; conversation order is preserved.
type TranscriptEntry struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// RubricItem is one skill on the examination checklist.
type RubricItem struct {
	ID          string       `json:"id"`
	Skill       string       `json:"skill"`
	Description string       `json:"description"`
	Status      RubricStatus `json:"status"`
}

// Suggestion is a proposed checklist update from the remote examiner,
// awaiting human confirmation. CorrelationID ties the eventual
// accept/reject response back to the originating tool call.
type Suggestion struct {
	SkillID       string       `json:"skillId"`
	Status        RubricStatus `json:"status"`
	Reasoning     string       `json:"reasoning"`
	CorrelationID string       `json:"correlationId"`
}

// Snapshot is the crash-safe persisted state of a session: everything
// needed to review it after a reload or failure.
type Snapshot struct {
	Transcript []TranscriptEntry `json:"transcript"`
	Rubric     []RubricItem      `json:"rubric"`
}

// DefaultRubric returns a fresh checklist with every item pending.
func DefaultRubric() []RubricItem {
	return []RubricItem{
		{
			ID:          "introduction",
			Skill:       "Introduction & Consent",
			Description: "Introduces self, confirms patient identity, explains procedure, and gains consent.",
			Status:      StatusPending,
		},
		{
			ID:          "hand_hygiene",
			Skill:       "Hand Hygiene",
			Description: "Performs hand hygiene before touching the patient or equipment.",
			Status:      StatusPending,
		},
		{
			ID:          "patient_comfort",
			Skill:       "Patient Comfort & Dignity",
			Description: "Ensures patient is comfortable and maintains their dignity throughout.",
			Status:      StatusPending,
		},
		{
			ID:          "communication",
			Skill:       "Clear Communication",
			Description: "Uses clear, jargon-free language and checks for patient understanding.",
			Status:      StatusPending,
		},
		{
			ID:          "procedure",
			Skill:       "Correct Procedure",
			Description: "Follows the established protocol for the clinical skill accurately.",
			Status:      StatusPending,
		},
		{
			ID:          "closing",
			Skill:       "Closing Summary",
			Description: "Summarizes findings, asks if the patient has questions, and performs hand hygiene.",
			Status:      StatusPending,
		},
	}
}

// RubricIDs returns the item ids of a checklist, in order.
func RubricIDs(rubric []RubricItem) []string {
	ids := make([]string, 0, len(rubric))
	for _, item := range rubric {
		ids = append(ids, item.ID)
	}
	return ids
}
