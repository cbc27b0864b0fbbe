package media

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/skillreview/osce-live/pkg/live"
)

const (
	// VideoFrameRate is the fixed sampling rate for still frames.
	VideoFrameRate = 2 // fps

	// JPEGQuality is the fixed encoding quality for sampled frames.
	JPEGQuality = 70

	// VideoMIMEType is the MIME descriptor for sampled frames.
	VideoMIMEType = "image/jpeg"
)

// FrameSource provides the most recent decoded video frame. Grab
// returns ok=false when no frame is ready yet; the sampler skips that
// tick without error.
type FrameSource interface {
	Grab() (image.Image, bool)
}

// EncodeJPEGFrame encodes a still image as a transport media frame.
func EncodeJPEGFrame(img image.Image) (live.MediaFrame, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return live.MediaFrame{}, fmt.Errorf("encode jpeg frame: %w", err)
	}
	return live.MediaFrame{
		MIMEType: VideoMIMEType,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// VideoSampler grabs a frame from the source at a fixed rate, encodes
// it as JPEG, and hands it to emit. One outstanding frame per tick;
// unready ticks are skipped and stale frames are never queued.
type VideoSampler struct {
	source FrameSource
	fps    int
	emit   func(live.MediaFrame)

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

// NewVideoSampler builds a sampler; emit is invoked on the sampler's
// goroutine.
func NewVideoSampler(source FrameSource, fps int, emit func(live.MediaFrame)) *VideoSampler {
	if fps <= 0 {
		fps = VideoFrameRate
	}
	return &VideoSampler{source: source, fps: fps, emit: emit}
}

// Start begins sampling. Calling Start on a running sampler is a no-op.
func (s *VideoSampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(s.fps))
	s.done = make(chan struct{})
	go s.run(s.ticker, s.done)
}

func (s *VideoSampler) run(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *VideoSampler) sampleOnce() {
	img, ok := s.source.Grab()
	if !ok {
		return
	}
	frame, err := EncodeJPEGFrame(img)
	if err != nil {
		return
	}
	s.emit(frame)
}

// Stop halts sampling. Idempotent.
func (s *VideoSampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
	s.done = nil
}
