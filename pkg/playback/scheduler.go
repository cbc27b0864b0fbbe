package playback

import (
	"sync"
	"time"
)

// DefaultSampleRate is the rate of remote PCM audio.
const DefaultSampleRate = 24000

// Sink consumes PCM audio handed over by the scheduler. Halt stops
// anything currently playing without tearing the sink down.
type Sink interface {
	Play(pcm []byte) error
	Halt() error
	Close() error
}

// DiscardSink drops audio. Used when a remote client plays audio
// itself and the scheduler only tracks the timeline.
type DiscardSink struct{}

func (DiscardSink) Play(pcm []byte) error { return nil }
func (DiscardSink) Halt() error           { return nil }
func (DiscardSink) Close() error          { return nil }

// PCMDuration returns the play time of n bytes of 16-bit mono PCM.
func PCMDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := int64(n / 2)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Scheduler places remote audio chunks on a single gapless timeline.
// Each chunk starts at the later of now and the end of the previous
// chunk, so chunks never overlap and never start earlier than one that
// arrived before them. An interruption drops everything scheduled and
// resets the timeline so the next chunk plays immediately.
type Scheduler struct {
	sink       Sink
	sampleRate int
	now        func() time.Time

	mu      sync.Mutex
	cursor  time.Time
	pending map[*time.Timer]struct{}
	closed  bool

	errCh chan error
}

// NewScheduler builds a scheduler feeding sink.
func NewScheduler(sink Sink, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Scheduler{
		sink:       sink,
		sampleRate: sampleRate,
		now:        time.Now,
		pending:    make(map[*time.Timer]struct{}),
		errCh:      make(chan error, 1),
	}
}

// ErrCh reports asynchronous sink failures. At most one error is
// retained.
func (s *Scheduler) ErrCh() <-chan error { return s.errCh }

// Schedule enqueues a PCM chunk and returns its start time. Chunks
// scheduled after Stop are dropped and report a zero start.
func (s *Scheduler) Schedule(pcm []byte) time.Time {
	if len(pcm) == 0 {
		return time.Time{}
	}
	dur := PCMDuration(len(pcm), s.sampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return time.Time{}
	}
	now := s.now()
	start := now
	if s.cursor.After(start) {
		start = s.cursor
	}
	s.cursor = start.Add(dur)

	var timer *time.Timer
	timer = time.AfterFunc(start.Sub(now), func() {
		s.mu.Lock()
		_, live := s.pending[timer]
		delete(s.pending, timer)
		closed := s.closed
		s.mu.Unlock()
		if !live || closed {
			return
		}
		if err := s.sink.Play(pcm); err != nil {
			s.emitErr(err)
		}
	})
	s.pending[timer] = struct{}{}
	s.mu.Unlock()
	return start
}

// Interrupt drops all scheduled chunks, halts the sink, and resets the
// timeline so the next chunk starts immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	for t := range s.pending {
		t.Stop()
		delete(s.pending, t)
	}
	s.cursor = time.Time{}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	if err := s.sink.Halt(); err != nil {
		s.emitErr(err)
	}
}

// Stop drops all scheduled chunks and closes the sink. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for t := range s.pending {
		t.Stop()
		delete(s.pending, t)
	}
	s.cursor = time.Time{}
	s.mu.Unlock()

	if err := s.sink.Close(); err != nil {
		s.emitErr(err)
	}
}

func (s *Scheduler) emitErr(err error) {
	if err == nil {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}
