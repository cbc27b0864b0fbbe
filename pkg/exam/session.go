package exam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skillreview/osce-live/pkg/live"
	"github.com/skillreview/osce-live/pkg/media"
	"github.com/skillreview/osce-live/pkg/playback"
)

// DefaultDuration is the session time limit when none is configured.
const DefaultDuration = 10 * time.Minute

// Config carries per-session settings.
type Config struct {
	// LiveModel overrides DefaultLiveModel when set.
	LiveModel string

	// Duration is the session time limit. Zero means DefaultDuration;
	// negative disables the limit.
	Duration time.Duration

	// Rubric overrides DefaultRubric when non-nil.
	Rubric []RubricItem

	// VideoSource, when set, is sampled at the fixed frame rate while
	// the session is live. Clients that push their own frames leave it
	// nil and call SendVideoFrame.
	VideoSource media.FrameSource

	// Capture declares the audio enhancements the capture source
	// supports; enabled enhancements are recorded in the transcript.
	Capture media.CaptureCapabilities
}

// Deps are the session's collaborators.
type Deps struct {
	Dialer    live.Dialer
	Store     SnapshotStore
	Generator live.Generator
	Sink      playback.Sink
	Logger    *slog.Logger
}

// Session coordinates one examination: media in, remote events out,
// transcript, checklist negotiation, snapshots, and the final summary.
// All methods are safe for concurrent use.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	events chan Event
	done   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	transcript  []TranscriptEntry
	rubric      []RubricItem
	assembler   TurnAssembler
	negotiator  *Negotiator
	gate        *live.Gate
	transport   live.Transport
	scheduler   *playback.Scheduler
	sampler     *media.VideoSampler
	deadline    time.Time
	timeUpTimer *time.Timer
	summaryText string
}

// NewSession builds a session in the idle state.
func NewSession(cfg Config, deps Deps) *Session {
	if cfg.LiveModel == "" {
		cfg.LiveModel = DefaultLiveModel
	}
	if cfg.Duration == 0 {
		cfg.Duration = DefaultDuration
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	rubric := cfg.Rubric
	if rubric == nil {
		rubric = DefaultRubric()
	}
	return &Session{
		cfg:        cfg,
		deps:       deps,
		log:        deps.Logger,
		now:        time.Now,
		events:     make(chan Event, 100),
		done:       make(chan struct{}),
		state:      StateIdle,
		rubric:     rubric,
		negotiator: NewNegotiator(rubric),
	}
}

// Events delivers session notifications. Events are dropped rather
// than blocking when the consumer falls behind.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the session is permanently closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

// Rubric returns a copy of the current checklist.
func (s *Session) Rubric() []RubricItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rubricCopyLocked()
}

// Summary returns the generated summary text, empty until available.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryText
}

// Suggestion returns the pending checklist suggestion, if any.
func (s *Session) Suggestion() *Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiator.Pending()
}

// Remaining reports time left before the session limit. ok is false
// when the session is not live or has no limit.
func (s *Session) Remaining() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive || s.deadline.IsZero() {
		return 0, false
	}
	rem := s.deadline.Sub(s.now())
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// Start begins a new session. Any saved snapshot is discarded, the
// working state is reset, and the remote connection is opened in the
// background. Start returns immediately after entering connecting;
// failures surface as a system transcript entry and the error state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.startable() {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", state)
	}
	rubric := s.cfg.Rubric
	if rubric == nil {
		rubric = DefaultRubric()
	}
	s.transcript = nil
	s.rubric = rubric
	s.assembler.Reset()
	s.negotiator = NewNegotiator(rubric)
	s.gate = live.NewGate()
	s.summaryText = ""
	s.state = StateConnecting
	entries := []TranscriptEntry{s.appendEntryLocked(SpeakerSystem, "Initializing session...")}
	if report := s.cfg.Capture.Report(); report != "" {
		entries = append(entries, s.appendEntryLocked(SpeakerSystem, report))
	}
	s.mu.Unlock()

	s.emit(&StateChangedEvent{State: StateConnecting})
	s.emit(&RubricUpdatedEvent{Rubric: append([]RubricItem(nil), rubric...)})
	for _, entry := range entries {
		s.emit(&TranscriptEntryEvent{Entry: entry})
	}

	go s.connect(ctx)
	return nil
}

func (s *Session) connect(ctx context.Context) {
	if err := s.deps.Store.Clear(ctx); err != nil {
		s.log.Warn("clear saved snapshot", "err", err)
	}

	s.mu.Lock()
	funcs := []live.FunctionDecl{SuggestFunction(s.rubric)}
	s.mu.Unlock()

	transport, err := s.deps.Dialer.Connect(ctx, live.ConnectConfig{
		Model:             s.cfg.LiveModel,
		SystemInstruction: SystemInstruction,
		Functions:         funcs,
	})
	if err != nil {
		s.log.Error("connect failed", "err", err)
		s.mu.Lock()
		if s.state == StateConnecting {
			entry := s.appendEntryLocked(SpeakerSystem, fmt.Sprintf("Failed to start session: %v", err))
			s.state = StateError
			s.mu.Unlock()
			s.emit(&TranscriptEntryEvent{Entry: entry})
			s.emit(&StateChangedEvent{State: StateError})
			return
		}
		s.mu.Unlock()
		return
	}

	s.onOpen(transport)
}

func (s *Session) onOpen(transport live.Transport) {
	s.mu.Lock()
	if s.state != StateConnecting {
		// Closed or failed while dialing.
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	s.transport = transport
	s.scheduler = playback.NewScheduler(s.deps.Sink, media.OutputSampleRate)
	s.state = StateLive
	if s.cfg.Duration > 0 {
		s.deadline = s.now().Add(s.cfg.Duration)
		s.timeUpTimer = time.AfterFunc(s.cfg.Duration, s.timeUp)
	}
	if s.cfg.VideoSource != nil {
		s.sampler = media.NewVideoSampler(s.cfg.VideoSource, media.VideoFrameRate, s.SendVideoFrame)
		s.sampler.Start()
	}
	gate := s.gate
	sched := s.scheduler
	entry := s.appendEntryLocked(SpeakerSystem, "Connection established. You may begin.")
	s.mu.Unlock()

	s.emit(&StateChangedEvent{State: StateLive})
	s.emit(&TranscriptEntryEvent{Entry: entry})

	gate.Ready(transport)
	go s.readLoop(transport)
	go s.drainSinkErrors(sched)
}

func (s *Session) drainSinkErrors(sched *playback.Scheduler) {
	for {
		select {
		case err := <-sched.ErrCh():
			s.log.Warn("playback sink error", "err", err)
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop(transport live.Transport) {
	for ev := range transport.Events() {
		switch e := ev.(type) {
		case *live.AudioChunkEvent:
			s.mu.Lock()
			sched := s.scheduler
			s.mu.Unlock()
			if sched != nil {
				sched.Schedule(e.Data)
			}
			s.emit(&AudioOutEvent{PCM: e.Data})

		case *live.InputTranscriptionEvent:
			s.mu.Lock()
			s.assembler.AddInput(e.Text)
			s.mu.Unlock()

		case *live.OutputTranscriptionEvent:
			s.mu.Lock()
			s.assembler.AddOutput(e.Text)
			s.mu.Unlock()

		case *live.TurnCompleteEvent:
			s.mu.Lock()
			entries := s.assembler.TurnComplete()
			s.transcript = append(s.transcript, entries...)
			s.mu.Unlock()
			for _, entry := range entries {
				s.emit(&TranscriptEntryEvent{Entry: entry})
			}

		case *live.InterruptedEvent:
			s.mu.Lock()
			sched := s.scheduler
			s.mu.Unlock()
			if sched != nil {
				sched.Interrupt()
			}

		case *live.ToolCallEvent:
			s.handleToolCalls(e.Calls)

		case *live.ErrorEvent:
			s.handleTransportError(e.Message)

		case *live.CloseEvent:
			s.handleRemoteClose()
		}
	}
}

func (s *Session) handleToolCalls(calls []live.ToolCall) {
	for _, call := range calls {
		s.mu.Lock()
		sug, resp := s.negotiator.HandleCall(call)
		gate := s.gate
		s.mu.Unlock()

		if resp != nil && gate != nil {
			r := *resp
			gate.Do(func(tr live.Transport) { _ = tr.SendToolResponse(r) })
		}
		if sug != nil {
			s.emit(&SuggestionEvent{Suggestion: *sug})
		}
	}
}

// SendAudioFrame forwards a captured audio frame to the remote. Frames
// sent while connecting are queued and flushed in order once live.
func (s *Session) SendAudioFrame(frame live.MediaFrame) {
	s.sendFrame(frame)
}

// SendVideoFrame forwards a sampled image frame to the remote.
func (s *Session) SendVideoFrame(frame live.MediaFrame) {
	s.sendFrame(frame)
}

func (s *Session) sendFrame(frame live.MediaFrame) {
	s.mu.Lock()
	gate := s.gate
	active := s.state == StateConnecting || s.state == StateLive
	s.mu.Unlock()
	if !active || gate == nil {
		return
	}
	gate.Do(func(tr live.Transport) { _ = tr.SendMedia(frame) })
}

// AcceptSuggestion applies the pending suggestion to the checklist and
// confirms it to the remote. No-op when nothing is pending.
func (s *Session) AcceptSuggestion() { s.resolveSuggestion(true) }

// RejectSuggestion dismisses the pending suggestion and informs the
// remote. No-op when nothing is pending.
func (s *Session) RejectSuggestion() { s.resolveSuggestion(false) }

func (s *Session) resolveSuggestion(accepted bool) {
	s.mu.Lock()
	sug, resp, ok := s.negotiator.Resolve(accepted)
	if !ok {
		s.mu.Unlock()
		return
	}
	var rubric []RubricItem
	if accepted {
		for i := range s.rubric {
			if s.rubric[i].ID == sug.SkillID {
				s.rubric[i].Status = sug.Status
			}
		}
		rubric = s.rubricCopyLocked()
	}
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		gate.Do(func(tr live.Transport) { _ = tr.SendToolResponse(resp) })
	}
	s.emit(&SuggestionClearedEvent{})
	if rubric != nil {
		s.emit(&RubricUpdatedEvent{Rubric: rubric})
	}
}

// CycleItem manually advances a checklist item through
// pending, met, not met and back. Unknown ids are ignored.
func (s *Session) CycleItem(id string) {
	s.mu.Lock()
	var rubric []RubricItem
	for i := range s.rubric {
		if s.rubric[i].ID != id {
			continue
		}
		switch s.rubric[i].Status {
		case StatusPending:
			s.rubric[i].Status = StatusMet
		case StatusMet:
			s.rubric[i].Status = StatusNotMet
		default:
			s.rubric[i].Status = StatusPending
		}
		rubric = s.rubricCopyLocked()
		break
	}
	s.mu.Unlock()

	if rubric != nil {
		s.emit(&RubricUpdatedEvent{Rubric: rubric})
	}
}

// ConfirmEnd ends a live session: the snapshot is saved, media and the
// remote connection are torn down, and summary generation starts in
// the background. No-op outside the live state.
func (s *Session) ConfirmEnd(ctx context.Context) {
	s.endSession(ctx, "")
}

func (s *Session) timeUp() {
	s.endSession(context.Background(), "Time is up. Automatically ending session.")
}

func (s *Session) endSession(ctx context.Context, notice string) {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return
	}
	var entries []TranscriptEntry
	if notice != "" {
		entries = append(entries, s.appendEntryLocked(SpeakerSystem, notice))
	}
	snap := s.snapshotLocked()
	entries = append(entries, s.appendEntryLocked(SpeakerSystem, "Session ended. Generating feedback summary..."))
	hadPending := s.teardownLocked()
	s.state = StateEnded
	transcript := append([]TranscriptEntry(nil), snap.Transcript...)
	rubric := append([]RubricItem(nil), snap.Rubric...)
	s.mu.Unlock()

	for _, entry := range entries {
		s.emit(&TranscriptEntryEvent{Entry: entry})
	}
	if hadPending {
		s.emit(&SuggestionClearedEvent{})
	}
	s.emit(&StateChangedEvent{State: StateEnded})

	if err := s.deps.Store.Save(ctx, snap); err != nil {
		s.log.Error("save snapshot", "err", err)
	}
	go s.generateSummary(context.Background(), transcript, rubric)
}

func (s *Session) generateSummary(ctx context.Context, transcript []TranscriptEntry, rubric []RubricItem) {
	prompt := BuildSummaryPrompt(transcript, rubric)
	text, err := s.deps.Generator.Generate(ctx, prompt)
	if err != nil {
		s.log.Error("generate summary", "err", err)
		s.mu.Lock()
		entry := s.appendEntryLocked(SpeakerSystem, fmt.Sprintf("Could not generate summary: %v", err))
		s.mu.Unlock()
		s.emit(&TranscriptEntryEvent{Entry: entry})
		return
	}

	s.mu.Lock()
	entry := s.appendEntryLocked(SpeakerSummary, text)
	s.summaryText = text
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.emit(&TranscriptEntryEvent{Entry: entry})
	s.emit(&SummaryEvent{Text: text})

	// Re-save so a resumed session includes the summary.
	if err := s.deps.Store.Save(ctx, snap); err != nil {
		s.log.Error("save snapshot", "err", err)
	}
}

func (s *Session) handleTransportError(msg string) {
	s.mu.Lock()
	if s.state != StateLive && s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	entry := s.appendEntryLocked(SpeakerSystem, fmt.Sprintf("An error occurred: %s", msg))
	snap := s.snapshotLocked()
	hadPending := s.teardownLocked()
	s.state = StateError
	s.mu.Unlock()

	s.emit(&TranscriptEntryEvent{Entry: entry})
	if hadPending {
		s.emit(&SuggestionClearedEvent{})
	}
	s.emit(&StateChangedEvent{State: StateError})

	if err := s.deps.Store.Save(context.Background(), snap); err != nil {
		s.log.Error("save snapshot", "err", err)
	}
}

func (s *Session) handleRemoteClose() {
	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	entry := s.appendEntryLocked(SpeakerSystem, "Session closed by server.")
	hadPending := s.teardownLocked()
	s.state = StateEnded
	s.mu.Unlock()

	s.emit(&TranscriptEntryEvent{Entry: entry})
	if hadPending {
		s.emit(&SuggestionClearedEvent{})
	}
	s.emit(&StateChangedEvent{State: StateEnded})

	if err := s.deps.Store.Save(context.Background(), snap); err != nil {
		s.log.Error("save snapshot", "err", err)
	}
}

// Resume loads the saved snapshot into the session for review and
// removes it from the store. The session enters the ended state.
func (s *Session) Resume(ctx context.Context) (Snapshot, error) {
	snap, ok, err := s.deps.Store.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return Snapshot{}, fmt.Errorf("no saved session")
	}

	s.mu.Lock()
	if !s.state.startable() {
		state := s.state
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("cannot resume in state %s", state)
	}
	s.transcript = append([]TranscriptEntry(nil), snap.Transcript...)
	if snap.Rubric != nil {
		s.rubric = append([]RubricItem(nil), snap.Rubric...)
	} else {
		s.rubric = DefaultRubric()
	}
	s.summaryText = ""
	for _, entry := range snap.Transcript {
		if entry.Speaker == SpeakerSummary {
			s.summaryText = entry.Text
			break
		}
	}
	s.state = StateEnded
	s.mu.Unlock()

	s.emit(&StateChangedEvent{State: StateEnded})

	if err := s.deps.Store.Clear(ctx); err != nil {
		s.log.Warn("clear saved snapshot", "err", err)
	}
	return snap, nil
}

// DiscardSaved deletes the saved snapshot without loading it.
func (s *Session) DiscardSaved(ctx context.Context) error {
	return s.deps.Store.Clear(ctx)
}

// SavedSession returns the stored snapshot, if one exists.
func (s *Session) SavedSession(ctx context.Context) (Snapshot, bool, error) {
	return s.deps.Store.Load(ctx)
}

// Close tears the session down permanently. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		hadPending := s.teardownLocked()
		if s.state == StateConnecting || s.state == StateLive {
			s.state = StateEnded
		}
		s.mu.Unlock()

		if hadPending {
			s.emit(&SuggestionClearedEvent{})
		}
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// teardownLocked releases live resources in a fixed order: sampling
// timer, send gate, remote connection, playback, pending suggestion.
// Safe to call repeatedly. Reports whether a suggestion was pending.
func (s *Session) teardownLocked() bool {
	if s.timeUpTimer != nil {
		s.timeUpTimer.Stop()
		s.timeUpTimer = nil
	}
	if s.sampler != nil {
		s.sampler.Stop()
		s.sampler = nil
	}
	if s.gate != nil {
		s.gate.Abort()
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	if s.scheduler != nil {
		s.scheduler.Interrupt()
		s.scheduler.Stop()
		s.scheduler = nil
	}
	hadPending := s.negotiator.Pending() != nil
	s.negotiator.Clear()
	s.deadline = time.Time{}
	return hadPending
}

func (s *Session) appendEntryLocked(speaker Speaker, text string) TranscriptEntry {
	entry := TranscriptEntry{Speaker: speaker, Text: text}
	s.transcript = append(s.transcript, entry)
	return entry
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Transcript: append([]TranscriptEntry(nil), s.transcript...),
		Rubric:     append([]RubricItem(nil), s.rubric...),
	}
}

func (s *Session) rubricCopyLocked() []RubricItem {
	return append([]RubricItem(nil), s.rubric...)
}

func (s *Session) emit(ev Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event dropped", "type", ev.EventType())
	}
}
