package media

import (
	"encoding/base64"
	"fmt"

	"github.com/skillreview/osce-live/pkg/live"
)

const (
	// InputSampleRate is the fixed capture rate for microphone audio.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of audio received from the remote.
	OutputSampleRate = 24000

	// AudioFrameSamples is the fixed block size for outbound audio frames.
	AudioFrameSamples = 4096
)

// AudioMIMEType is the MIME descriptor for outbound PCM frames at the
// given sample rate.
func AudioMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// Float32ToPCM16 converts floating samples in the range -1.0..1.0 to
// 16-bit signed integers. Out-of-range samples saturate rather than
// wrap.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32768.0
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// PCM16Bytes serializes samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodePCM16Frame wraps raw little-endian PCM bytes as a transport
// media frame.
func EncodePCM16Frame(pcm []byte, rate int) live.MediaFrame {
	return live.MediaFrame{
		MIMEType: AudioMIMEType(rate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// AudioFramer chops an incoming float sample stream into fixed-size
// PCM frames ready for the transport. It keeps at most one partial
// frame of state and never queues completed frames.
type AudioFramer struct {
	frameSize int
	rate      int
	pending   []float32
}

// NewAudioFramer returns a framer producing frameSize-sample blocks.
func NewAudioFramer(frameSize, rate int) *AudioFramer {
	if frameSize <= 0 {
		frameSize = AudioFrameSamples
	}
	if rate <= 0 {
		rate = InputSampleRate
	}
	return &AudioFramer{
		frameSize: frameSize,
		rate:      rate,
		pending:   make([]float32, 0, frameSize),
	}
}

// Push adds samples and returns zero or more completed frames.
func (f *AudioFramer) Push(samples []float32) []live.MediaFrame {
	f.pending = append(f.pending, samples...)

	var frames []live.MediaFrame
	for len(f.pending) >= f.frameSize {
		block := f.pending[:f.frameSize]
		frames = append(frames, EncodePCM16Frame(PCM16Bytes(Float32ToPCM16(block)), f.rate))
		f.pending = f.pending[f.frameSize:]
	}
	if len(f.pending) == 0 {
		f.pending = f.pending[:0]
	}
	return frames
}

// Flush returns the trailing partial frame, if any, and resets the
// framer.
func (f *AudioFramer) Flush() (live.MediaFrame, bool) {
	if len(f.pending) == 0 {
		return live.MediaFrame{}, false
	}
	frame := EncodePCM16Frame(PCM16Bytes(Float32ToPCM16(f.pending)), f.rate)
	f.pending = f.pending[:0]
	return frame, true
}
