package media

import (
	"fmt"
	"strings"
)

// CaptureCapabilities describes optional audio enhancements the capture
// source supports. Enhancements are enabled only when the source
// reports them.
type CaptureCapabilities struct {
	NoiseSuppression bool
	EchoCancellation bool
}

// Report returns the transcript line describing enabled enhancements,
// or empty when the source supports none.
func (c CaptureCapabilities) Report() string {
	var enabled []string
	if c.NoiseSuppression {
		enabled = append(enabled, "noise suppression")
	}
	if c.EchoCancellation {
		enabled = append(enabled, "echo cancellation")
	}
	if len(enabled) == 0 {
		return ""
	}
	return fmt.Sprintf("Audio enhancements enabled: %s.", strings.Join(enabled, ", "))
}
