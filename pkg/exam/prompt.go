package exam

import (
	"fmt"
	"strings"

	"github.com/skillreview/osce-live/pkg/live"
)

const (
	// DefaultLiveModel is the streaming audio model the session
	// connects to.
	DefaultLiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultSummaryModel is the one-shot model used for the
	// end-of-session summary.
	DefaultSummaryModel = "gemini-2.5-flash"
)

// SystemInstruction is the examiner persona sent at connect time.
const SystemInstruction = `You are an AI clinical examiner for an OSCE (Objective Structured Clinical Examination). Your role is to observe a medical student performing a clinical skill via live video and audio.
- Observe the student's actions and words carefully.
- Based on their performance, you MUST call the 'suggestRubricUpdate' function to suggest a checklist update. Provide a clear reason for your suggestion. Do not update the checklist directly; you must await user confirmation.
- For each item in the checklist, call the function with the appropriate 'skillId', 'status' ('met' or 'not_met'), and a concise 'reasoning'.
- Provide verbal feedback and guidance to the student as if you were a real examiner in the room. Be encouraging but professional.
- Address the student directly.
- Do not suggest evaluating all criteria at once. Suggest an update as you observe the actions. For example, when you see them wash their hands, immediately call the function to suggest updating 'hand_hygiene' to 'met'.`

// SuggestFunction declares the suggestRubricUpdate tool for the given
// checklist.
func SuggestFunction(rubric []RubricItem) live.FunctionDecl {
	return live.FunctionDecl{
		Name:        ToolSuggestRubricUpdate,
		Description: "Suggests an update to the status of a specific skill in the OSCE checklist based on an observation. Await user confirmation before proceeding.",
		Params: []live.ParamSpec{
			{
				Name:        "skillId",
				Description: fmt.Sprintf("The unique ID of the skill to update. Available IDs: %s.", strings.Join(RubricIDs(rubric), ", ")),
				Required:    true,
			},
			{
				Name:        "status",
				Description: fmt.Sprintf("The new status to suggest for the skill. Must be one of: '%s' or '%s'.", StatusMet, StatusNotMet),
				Enum:        []string{string(StatusMet), string(StatusNotMet)},
				Required:    true,
			},
			{
				Name:        "reasoning",
				Description: `A brief explanation for why this update is being suggested. E.g., "The student washed their hands before touching the patient."`,
				Required:    true,
			},
		},
	}
}

// BuildSummaryPrompt formats the one-shot summary request from the
// finished transcript and checklist. Only participant and remote turns
// are included; system and summary entries are evidence about the
// session, not of it.
func BuildSummaryPrompt(transcript []TranscriptEntry, rubric []RubricItem) string {
	var turns []string
	for _, entry := range transcript {
		switch entry.Speaker {
		case SpeakerParticipant:
			turns = append(turns, "Student: "+entry.Text)
		case SpeakerRemote:
			turns = append(turns, "Examiner: "+entry.Text)
		}
	}

	items := make([]string, 0, len(rubric))
	for _, item := range rubric {
		status := strings.ReplaceAll(string(item.Status), "_", " ")
		items = append(items, fmt.Sprintf("- %s: %s", item.Skill, status))
	}

	return fmt.Sprintf(`You are an AI clinical examiner summarizing an OSCE session.
Based on the following transcript and final rubric checklist, provide a concise summary of the student's performance.
Address the student directly. Highlight areas of strength and suggest specific areas for improvement.
Keep the summary to 2-3 paragraphs.

Transcript:
%s

Rubric:
%s

Summary:`, strings.Join(turns, "\n"), strings.Join(items, "\n"))
}
