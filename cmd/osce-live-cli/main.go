// Command osce-live-cli runs an exam session from the terminal: it
// captures microphone audio with ffmpeg, streams it to the evaluator,
// plays the evaluator's voice through ffplay, and prints the transcript
// and rubric suggestions as they arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/skillreview/osce-live/internal/dotenv"
	"github.com/skillreview/osce-live/pkg/exam"
	"github.com/skillreview/osce-live/pkg/live"
	"github.com/skillreview/osce-live/pkg/media"
	"github.com/skillreview/osce-live/pkg/playback"
	"github.com/skillreview/osce-live/pkg/store"
)

type options struct {
	model        string
	summaryModel string
	duration     time.Duration
	storePath    string

	micDevice      int
	micCmdOverride string
	listMicDevices bool

	ffplayPath    string
	speakerVolume int
	noSpeaker     bool

	debug bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	var opt options
	flag.StringVar(&opt.model, "model", exam.DefaultLiveModel, "Live evaluation model")
	flag.StringVar(&opt.summaryModel, "summary-model", exam.DefaultSummaryModel, "Model used for the end-of-session summary")
	flag.DurationVar(&opt.duration, "duration", exam.DefaultDuration, "Exam length before automatic end")
	flag.StringVar(&opt.storePath, "store-path", "osce_saved_session.json", "Path for the crash-recovery snapshot")
	flag.IntVar(&opt.micDevice, "mic-device", 0, "macOS avfoundation mic device index (default: 0)")
	flag.StringVar(&opt.micCmdOverride, "mic-cmd", "", "Override mic capture command (runs via /bin/sh -lc; must emit pcm_s16le @16kHz mono on stdout). If set, --mic-device is ignored.")
	flag.BoolVar(&opt.listMicDevices, "list-mic-devices", false, "List microphone devices via ffmpeg (macOS) and exit")
	flag.StringVar(&opt.ffplayPath, "ffplay-path", "ffplay", "Path to ffplay executable (default: ffplay)")
	flag.IntVar(&opt.speakerVolume, "speaker-volume", 80, "ffplay startup volume 0=min 100=max (default: 80)")
	flag.BoolVar(&opt.noSpeaker, "no-speaker", false, "Do not spawn ffplay; audio is scheduled but discarded")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging (mic stats)")
	flag.Parse()

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "osce-live-cli: %v\n", err)
		return 1
	}

	if opt.listMicDevices {
		if err := listMicDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "osce-live-cli: %v\n", err)
			return 1
		}
		return 0
	}

	if err := run(opt); err != nil {
		fmt.Fprintf(os.Stderr, "osce-live-cli: %v\n", err)
		return 1
	}
	return 0
}

func run(opt options) error {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	client, err := live.NewGeminiClient(ctx, apiKey)
	if err != nil {
		return err
	}

	logLevel := slog.LevelWarn
	if opt.debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var sink playback.Sink = playback.DiscardSink{}
	if !opt.noSpeaker {
		sink = playback.NewSpeakerSink(opt.ffplayPath, playback.DefaultSampleRate, opt.speakerVolume)
	}

	sess := exam.NewSession(exam.Config{
		LiveModel: opt.model,
		Duration:  opt.duration,
	}, exam.Deps{
		Dialer:    &live.GeminiDialer{Client: client},
		Store:     store.NewFileStore(opt.storePath, logger),
		Generator: &live.GeminiGenerator{Client: client, Model: opt.summaryModel},
		Sink:      sink,
		Logger:    logger,
	})
	defer sess.Close()

	if _, found, err := sess.SavedSession(ctx); err == nil && found {
		fmt.Println("A saved session exists. Type `resume` to review it or `discard` to delete it, then `start`.")
	}

	fmt.Println("Commands: start, accept, reject, cycle <item-id>, rubric, end, quit")

	go printEvents(sess)

	micDone := make(chan error, 1)
	var micStarted atomic.Bool
	startMic := func() {
		if !micStarted.CompareAndSwap(false, true) {
			return
		}
		go func() { micDone <- streamMicLoop(ctx, sess, opt) }()
	}

	inputCh := make(chan string)
	go func() {
		defer close(inputCh)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			inputCh <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-micDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mic capture: %w", err)
			}
			return nil
		case line, ok := <-inputCh:
			if !ok {
				return nil
			}
			if done := dispatch(ctx, sess, line, startMic); done {
				return nil
			}
		}
	}
}

// dispatch runs one console command. It reports true when the user
// asked to quit.
func dispatch(ctx context.Context, sess *exam.Session, line string, startMic func()) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "start":
		if err := sess.Start(ctx); err != nil {
			fmt.Printf("cannot start: %v\n", err)
			return false
		}
		startMic()
	case "accept":
		sess.AcceptSuggestion()
	case "reject":
		sess.RejectSuggestion()
	case "cycle":
		if strings.TrimSpace(arg) == "" {
			fmt.Println("usage: cycle <item-id>")
			return false
		}
		sess.CycleItem(strings.TrimSpace(arg))
	case "rubric":
		printRubric(sess.Rubric())
	case "resume":
		snap, err := sess.Resume(ctx)
		if err != nil {
			fmt.Printf("cannot resume: %v\n", err)
			return false
		}
		for _, entry := range snap.Transcript {
			fmt.Printf("[%s] %s\n", entry.Speaker, entry.Text)
		}
		printRubric(snap.Rubric)
	case "discard":
		if err := sess.DiscardSaved(ctx); err != nil {
			fmt.Printf("cannot discard: %v\n", err)
		}
	case "end":
		sess.ConfirmEnd(ctx)
	case "quit", "exit":
		return true
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	return false
}

func printEvents(sess *exam.Session) {
	for {
		select {
		case ev := <-sess.Events():
			switch e := ev.(type) {
			case *exam.StateChangedEvent:
				fmt.Printf("-- state: %s\n", e.State)
			case *exam.TranscriptEntryEvent:
				fmt.Printf("[%s] %s\n", e.Entry.Speaker, e.Entry.Text)
			case *exam.SuggestionEvent:
				fmt.Printf("-- suggestion: %s -> %s (%s); type accept or reject\n",
					e.Suggestion.SkillID, e.Suggestion.Status, e.Suggestion.Reasoning)
			case *exam.SuggestionClearedEvent:
				fmt.Println("-- suggestion cleared")
			case *exam.RubricUpdatedEvent:
				printRubric(e.Rubric)
			case *exam.SummaryEvent:
				fmt.Printf("-- summary:\n%s\n", e.Text)
			}
		case <-sess.Done():
			return
		}
	}
}

func printRubric(items []exam.RubricItem) {
	fmt.Println("-- rubric:")
	for _, item := range items {
		fmt.Printf("   %-16s %-8s %s\n", item.ID, item.Status, item.Skill)
	}
}

// streamMicLoop captures microphone audio and forwards it to the
// session in fixed-size frames until the context is cancelled or the
// capture process exits.
func streamMicLoop(ctx context.Context, sess *exam.Session, opt options) error {
	frameBytes := media.AudioFrameSamples * 2

	var cmd *exec.Cmd
	if strings.TrimSpace(opt.micCmdOverride) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", opt.micCmdOverride)
	} else {
		args := []string{
			"-hide_banner",
			"-loglevel", "error",
			"-f", "avfoundation",
			// Use `none:<audioIndex>` to avoid opening a video device/camera.
			"-i", fmt.Sprintf("none:%d", opt.micDevice),
			"-ac", "1",
			"-ar", fmt.Sprintf("%d", media.InputSampleRate),
			"-f", "s16le",
			"-",
		}
		cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return err
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	go streamFFmpegStderr(stderr)

	reader := bufio.NewReaderSize(stdout, 64*1024)
	buf := make([]byte, 0, frameBytes*4)
	tmp := make([]byte, 16*1024)

	startedAt := time.Now()
	lastDataAt := time.Time{}
	warnedNoData := false
	var totalRead int64

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := reader.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			totalRead += int64(n)
			lastDataAt = time.Now()
		}
		if !warnedNoData && time.Since(startedAt) > 2*time.Second && lastDataAt.IsZero() {
			warnedNoData = true
			fmt.Fprintln(os.Stderr, "[warning] no mic audio received yet; check microphone permissions and device index (try --list-mic-devices / --mic-device)")
		}
		for len(buf) >= frameBytes {
			frame := buf[:frameBytes:frameBytes]
			sess.SendAudioFrame(media.EncodePCM16Frame(frame, media.InputSampleRate))
			buf = buf[frameBytes:]
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("mic capture ended (EOF)")
			}
			return err
		}
	}
}

func streamFFmpegStderr(r io.ReadCloser) {
	if r == nil {
		return
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(os.Stderr, scanner.Text())
	}
}

func listMicDevices() error {
	cmd := exec.Command("ffmpeg", "-f", "avfoundation", "-list_devices", "true", "-i", "")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		// ffmpeg commonly exits non-zero after printing device lists; treat that as success
		// as long as the binary executed.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	return nil
}
