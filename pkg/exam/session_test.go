package exam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skillreview/osce-live/pkg/live"
	"github.com/skillreview/osce-live/pkg/media"
)

type fakeTransport struct {
	mu     sync.Mutex
	media  []live.MediaFrame
	tools  []live.ToolResponse
	events chan live.Event

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan live.Event, 32)}
}

func (f *fakeTransport) SendMedia(frame live.MediaFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, frame)
	return nil
}

func (f *fakeTransport) SendToolResponse(resp live.ToolResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, resp)
	return nil
}

func (f *fakeTransport) Events() <-chan live.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) push(ev live.Event) { f.events <- ev }

func (f *fakeTransport) sentMedia() []live.MediaFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]live.MediaFrame(nil), f.media...)
}

func (f *fakeTransport) sentTools() []live.ToolResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]live.ToolResponse(nil), f.tools...)
}

type fakeDialer struct {
	transport *fakeTransport
	err       error
	release   chan struct{} // when non-nil, Connect blocks until closed
}

func (d *fakeDialer) Connect(ctx context.Context, cfg live.ConnectConfig) (live.Transport, error) {
	if d.release != nil {
		<-d.release
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

type memStore struct {
	mu     sync.Mutex
	snap   *Snapshot
	saves  int
	clears int
}

func (m *memStore) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snap
	m.snap = &s
	m.saves++
	return nil
}

func (m *memStore) Load(ctx context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return Snapshot{}, false, nil
	}
	return *m.snap, true, nil
}

func (m *memStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = nil
	m.clears++
	return nil
}

func (m *memStore) saved() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return Snapshot{}, false
	}
	return *m.snap, true
}

type fakeGenerator struct {
	mu      sync.Mutex
	text    string
	err     error
	prompts []string
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.text, g.err
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

type nullSink struct{}

func (nullSink) Play(pcm []byte) error { return nil }
func (nullSink) Halt() error           { return nil }
func (nullSink) Close() error          { return nil }

func waitEvent(t *testing.T, s *Session, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return nil
		}
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitEvent(t, s, func(ev Event) bool {
		sc, ok := ev.(*StateChangedEvent)
		return ok && sc.State == want
	})
}

func newLiveSession(t *testing.T, gen *fakeGenerator) (*Session, *fakeTransport, *memStore) {
	t.Helper()
	tr := newFakeTransport()
	store := &memStore{}
	s := NewSession(Config{}, Deps{
		Dialer:    &fakeDialer{transport: tr},
		Store:     store,
		Generator: gen,
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateLive)
	return s, tr, store
}

func TestSession_StartReachesLive(t *testing.T) {
	s, _, store := newLiveSession(t, &fakeGenerator{})

	entries := s.Transcript()
	if len(entries) != 2 || entries[0].Speaker != SpeakerSystem {
		t.Fatalf("transcript=%+v", entries)
	}
	if entries[0].Text != "Initializing session..." {
		t.Fatalf("first entry=%q", entries[0].Text)
	}
	if entries[1].Text != "Connection established. You may begin." {
		t.Fatalf("second entry=%q", entries[1].Text)
	}
	// Starting discards any previous snapshot.
	store.mu.Lock()
	clears := store.clears
	store.mu.Unlock()
	if clears != 1 {
		t.Fatalf("clears=%d, want 1", clears)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start while live did not fail")
	}
}

func TestSession_FramesQueuedWhileConnecting(t *testing.T) {
	tr := newFakeTransport()
	release := make(chan struct{})
	s := NewSession(Config{}, Deps{
		Dialer:    &fakeDialer{transport: tr, release: release},
		Store:     &memStore{},
		Generator: &fakeGenerator{},
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.SendAudioFrame(live.MediaFrame{MIMEType: "audio/pcm;rate=16000", Data: "first"})
	s.SendVideoFrame(live.MediaFrame{MIMEType: "image/jpeg", Data: "second"})
	if len(tr.sentMedia()) != 0 {
		t.Fatalf("frames sent before connection opened")
	}

	close(release)
	waitState(t, s, StateLive)

	media := tr.sentMedia()
	if len(media) != 2 {
		t.Fatalf("got %d frames, want 2", len(media))
	}
	if media[0].Data != "first" || media[1].Data != "second" {
		t.Fatalf("frames out of order: %+v", media)
	}
}

func TestSession_ConnectFailureEntersError(t *testing.T) {
	s := NewSession(Config{}, Deps{
		Dialer:    &fakeDialer{err: errors.New("dial refused")},
		Store:     &memStore{},
		Generator: &fakeGenerator{},
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateError)

	entries := s.Transcript()
	if len(entries) != 2 || entries[1].Text != "Failed to start session: dial refused" {
		t.Fatalf("transcript=%+v", entries)
	}
}

func TestSession_CaptureReportInTranscript(t *testing.T) {
	tr := newFakeTransport()
	s := NewSession(Config{
		Capture: media.CaptureCapabilities{NoiseSuppression: true, EchoCancellation: true},
	}, Deps{
		Dialer:    &fakeDialer{transport: tr},
		Store:     &memStore{},
		Generator: &fakeGenerator{},
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateLive)

	found := false
	for _, e := range s.Transcript() {
		if e.Speaker == SpeakerSystem && e.Text == "Audio enhancements enabled: noise suppression, echo cancellation." {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing enhancement report: %+v", s.Transcript())
	}
}

func TestSession_TurnAssemblyFromTransportEvents(t *testing.T) {
	s, tr, _ := newLiveSession(t, &fakeGenerator{})

	tr.push(&live.InputTranscriptionEvent{Text: "Hello "})
	tr.push(&live.InputTranscriptionEvent{Text: "world"})
	tr.push(&live.TurnCompleteEvent{})

	ev := waitEvent(t, s, func(ev Event) bool {
		te, ok := ev.(*TranscriptEntryEvent)
		return ok && te.Entry.Speaker == SpeakerParticipant
	}).(*TranscriptEntryEvent)
	if ev.Entry.Text != "Hello world" {
		t.Fatalf("entry=%+v", ev.Entry)
	}

	// An immediate second turn-complete adds nothing.
	tr.push(&live.TurnCompleteEvent{})
	tr.push(&live.OutputTranscriptionEvent{Text: "marker"})
	tr.push(&live.TurnCompleteEvent{})
	ev2 := waitEvent(t, s, func(ev Event) bool {
		te, ok := ev.(*TranscriptEntryEvent)
		return ok && te.Entry.Speaker == SpeakerRemote
	}).(*TranscriptEntryEvent)
	if ev2.Entry.Text != "marker" {
		t.Fatalf("expected marker entry next, got %+v", ev2.Entry)
	}
}

func TestSession_SuggestionSinglePending(t *testing.T) {
	s, tr, _ := newLiveSession(t, &fakeGenerator{})

	tr.push(&live.ToolCallEvent{Calls: []live.ToolCall{
		{ID: "c1", Name: ToolSuggestRubricUpdate, Args: map[string]any{
			"skillId": "hand_hygiene", "status": "met", "reasoning": "washed hands",
		}},
		{ID: "c2", Name: ToolSuggestRubricUpdate, Args: map[string]any{
			"skillId": "introduction", "status": "met", "reasoning": "introduced self",
		}},
	}})

	ev := waitEvent(t, s, func(ev Event) bool {
		_, ok := ev.(*SuggestionEvent)
		return ok
	}).(*SuggestionEvent)
	if ev.Suggestion.SkillID != "hand_hygiene" {
		t.Fatalf("suggestion=%+v", ev.Suggestion)
	}

	// The second call is answered immediately as busy.
	waitForTools(t, tr, 1)
	tools := tr.sentTools()
	if tools[0].ID != "c2" {
		t.Fatalf("busy response id=%q", tools[0].ID)
	}
	if want := "Suggestion for introduction ignored as another suggestion is pending."; tools[0].Result != want {
		t.Fatalf("busy result=%q", tools[0].Result)
	}
}

func waitForTools(t *testing.T, tr *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.sentTools()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d tool responses, got %d", n, len(tr.sentTools()))
}

func TestSession_AcceptSuggestionMutatesRubric(t *testing.T) {
	s, tr, _ := newLiveSession(t, &fakeGenerator{})

	tr.push(&live.ToolCallEvent{Calls: []live.ToolCall{
		{ID: "c1", Name: ToolSuggestRubricUpdate, Args: map[string]any{
			"skillId": "hand_hygiene", "status": "met", "reasoning": "washed hands",
		}},
	}})
	waitEvent(t, s, func(ev Event) bool { _, ok := ev.(*SuggestionEvent); return ok })

	s.AcceptSuggestion()

	waitForTools(t, tr, 1)
	tools := tr.sentTools()
	if tools[0].ID != "c1" || tools[0].Result != "User has accepted the suggestion for hand_hygiene." {
		t.Fatalf("response=%+v", tools[0])
	}
	for _, item := range s.Rubric() {
		if item.ID == "hand_hygiene" && item.Status != StatusMet {
			t.Fatalf("hand_hygiene status=%s, want met", item.Status)
		}
	}
	if s.Suggestion() != nil {
		t.Fatalf("suggestion still pending after accept")
	}
	// A repeated accept does nothing.
	s.AcceptSuggestion()
	if len(tr.sentTools()) != 1 {
		t.Fatalf("duplicate accept sent another response")
	}
}

func TestSession_RejectSuggestionKeepsRubric(t *testing.T) {
	s, tr, _ := newLiveSession(t, &fakeGenerator{})

	tr.push(&live.ToolCallEvent{Calls: []live.ToolCall{
		{ID: "c1", Name: ToolSuggestRubricUpdate, Args: map[string]any{
			"skillId": "closing", "status": "not_met", "reasoning": "skipped summary",
		}},
	}})
	waitEvent(t, s, func(ev Event) bool { _, ok := ev.(*SuggestionEvent); return ok })

	s.RejectSuggestion()
	waitForTools(t, tr, 1)

	for _, item := range s.Rubric() {
		if item.ID == "closing" && item.Status != StatusPending {
			t.Fatalf("rejected suggestion mutated rubric: %s", item.Status)
		}
	}
	if want := "User has rejected the suggestion for closing."; tr.sentTools()[0].Result != want {
		t.Fatalf("result=%q", tr.sentTools()[0].Result)
	}
}

func TestSession_CycleItem(t *testing.T) {
	s, _, _ := newLiveSession(t, &fakeGenerator{})

	statusOf := func(id string) RubricStatus {
		for _, item := range s.Rubric() {
			if item.ID == id {
				return item.Status
			}
		}
		return ""
	}

	s.CycleItem("procedure")
	if got := statusOf("procedure"); got != StatusMet {
		t.Fatalf("after one cycle: %s", got)
	}
	s.CycleItem("procedure")
	if got := statusOf("procedure"); got != StatusNotMet {
		t.Fatalf("after two cycles: %s", got)
	}
	s.CycleItem("procedure")
	if got := statusOf("procedure"); got != StatusPending {
		t.Fatalf("after three cycles: %s", got)
	}
}

func TestSession_ConfirmEndSavesAndSummarizes(t *testing.T) {
	gen := &fakeGenerator{text: "You did well overall."}
	s, tr, store := newLiveSession(t, gen)

	tr.push(&live.InputTranscriptionEvent{Text: "I will wash my hands first."})
	tr.push(&live.TurnCompleteEvent{})
	waitEvent(t, s, func(ev Event) bool {
		te, ok := ev.(*TranscriptEntryEvent)
		return ok && te.Entry.Speaker == SpeakerParticipant
	})

	s.ConfirmEnd(context.Background())
	waitState(t, s, StateEnded)

	snap, ok := store.saved()
	if !ok {
		t.Fatalf("no snapshot saved on confirmed end")
	}
	found := false
	for _, e := range snap.Transcript {
		if e.Speaker == SpeakerParticipant {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot missing participant turn: %+v", snap.Transcript)
	}

	ev := waitEvent(t, s, func(ev Event) bool {
		_, ok := ev.(*SummaryEvent)
		return ok
	}).(*SummaryEvent)
	if ev.Text != "You did well overall." {
		t.Fatalf("summary=%q", ev.Text)
	}
	if s.Summary() != "You did well overall." {
		t.Fatalf("Summary()=%q", s.Summary())
	}

	// Summary is persisted for review after reload.
	snap, _ = store.saved()
	last := snap.Transcript[len(snap.Transcript)-1]
	if last.Speaker != SpeakerSummary {
		t.Fatalf("snapshot last entry=%+v", last)
	}

	// Ending twice generates one summary.
	s.ConfirmEnd(context.Background())
	time.Sleep(20 * time.Millisecond)
	if gen.calls() != 1 {
		t.Fatalf("generator called %d times, want 1", gen.calls())
	}
}

func TestSession_SummaryFailureIsNonFatal(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	s, _, _ := newLiveSession(t, gen)

	s.ConfirmEnd(context.Background())
	waitState(t, s, StateEnded)

	waitEvent(t, s, func(ev Event) bool {
		te, ok := ev.(*TranscriptEntryEvent)
		return ok && te.Entry.Speaker == SpeakerSystem && te.Entry.Text == "Could not generate summary: quota exceeded"
	})
	if s.Summary() != "" {
		t.Fatalf("summary set despite failure: %q", s.Summary())
	}
}

func TestSession_TimeUpEndsOnce(t *testing.T) {
	gen := &fakeGenerator{text: "summary"}
	s, _, _ := newLiveSession(t, gen)

	s.timeUp()
	s.timeUp()
	waitState(t, s, StateEnded)

	count := 0
	for _, e := range s.Transcript() {
		if e.Text == "Time is up. Automatically ending session." {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("time-up notice appended %d times", count)
	}
}

func TestSession_TransportErrorSavesAndEntersError(t *testing.T) {
	gen := &fakeGenerator{text: "unwanted"}
	s, tr, store := newLiveSession(t, gen)

	tr.push(&live.ErrorEvent{Message: "stream reset"})
	waitState(t, s, StateError)

	if _, ok := store.saved(); !ok {
		t.Fatalf("no snapshot saved on transport error")
	}
	found := false
	for _, e := range s.Transcript() {
		if e.Text == "An error occurred: stream reset" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing error entry: %+v", s.Transcript())
	}
	// No summary on the error path.
	time.Sleep(20 * time.Millisecond)
	if gen.calls() != 0 {
		t.Fatalf("summary generated on error path")
	}
}

func TestSession_RemoteCloseEndsWithoutSummary(t *testing.T) {
	gen := &fakeGenerator{text: "unwanted"}
	s, tr, store := newLiveSession(t, gen)

	tr.push(&live.CloseEvent{Code: 1000, Reason: "bye"})
	waitState(t, s, StateEnded)

	if _, ok := store.saved(); !ok {
		t.Fatalf("no snapshot saved on remote close")
	}
	found := false
	for _, e := range s.Transcript() {
		if e.Text == "Session closed by server." {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing close entry: %+v", s.Transcript())
	}
	time.Sleep(20 * time.Millisecond)
	if gen.calls() != 0 {
		t.Fatalf("summary generated on remote close")
	}
}

func TestSession_ResumeLoadsAndClears(t *testing.T) {
	store := &memStore{}
	saved := Snapshot{
		Transcript: []TranscriptEntry{
			{Speaker: SpeakerParticipant, Text: "hello"},
			{Speaker: SpeakerSummary, Text: "prior summary"},
		},
		Rubric: DefaultRubric(),
	}
	_ = store.Save(context.Background(), saved)

	s := NewSession(Config{}, Deps{
		Dialer:    &fakeDialer{transport: newFakeTransport()},
		Store:     store,
		Generator: &fakeGenerator{},
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })

	snap, err := s.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(snap.Transcript) != 2 {
		t.Fatalf("snapshot transcript=%+v", snap.Transcript)
	}
	if s.State() != StateEnded {
		t.Fatalf("state=%s, want ended", s.State())
	}
	if s.Summary() != "prior summary" {
		t.Fatalf("summary=%q", s.Summary())
	}
	if _, ok := store.saved(); ok {
		t.Fatalf("snapshot not cleared after resume")
	}

	// Resuming again fails: resume and discard are mutually exclusive
	// consumers of the single saved snapshot.
	if _, err := s.Resume(context.Background()); err == nil {
		t.Fatalf("second resume succeeded with empty store")
	}
}

func TestSession_DiscardSaved(t *testing.T) {
	store := &memStore{}
	_ = store.Save(context.Background(), Snapshot{Rubric: DefaultRubric()})

	s := NewSession(Config{}, Deps{
		Dialer:    &fakeDialer{transport: newFakeTransport()},
		Store:     store,
		Generator: &fakeGenerator{},
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })

	if err := s.DiscardSaved(context.Background()); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, ok, _ := s.SavedSession(context.Background()); ok {
		t.Fatalf("snapshot survived discard")
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	s, _, _ := newLiveSession(t, &fakeGenerator{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	// Frames after close are dropped without panicking.
	s.SendAudioFrame(live.MediaFrame{Data: "late"})
}

func TestSession_RemainingCountsDown(t *testing.T) {
	tr := newFakeTransport()
	s := NewSession(Config{Duration: time.Minute}, Deps{
		Dialer:    &fakeDialer{transport: tr},
		Store:     &memStore{},
		Generator: &fakeGenerator{},
		Sink:      nullSink{},
	})
	t.Cleanup(func() { _ = s.Close() })

	if _, ok := s.Remaining(); ok {
		t.Fatalf("idle session reported remaining time")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateLive)

	rem, ok := s.Remaining()
	if !ok {
		t.Fatalf("live session reported no remaining time")
	}
	if rem <= 0 || rem > time.Minute {
		t.Fatalf("remaining=%v", rem)
	}

	s.ConfirmEnd(context.Background())
	waitState(t, s, StateEnded)
	if _, ok := s.Remaining(); ok {
		t.Fatalf("ended session reported remaining time")
	}
}
