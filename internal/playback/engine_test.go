package playback

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/storyline/internal/media"
	"github.com/flowpbx/storyline/internal/ncco"
	"github.com/flowpbx/storyline/internal/session"
)

type fakeStreamer struct {
	mu        sync.Mutex
	started   []string
	stopped   int
	transfers []ncco.NCCO
	hangups   []string
	startErr  error
	stopErr   error
}

func (f *fakeStreamer) StartStream(_ context.Context, _ string, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, url)
	return nil
}

func (f *fakeStreamer) StopStream(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped++
	return nil
}

func (f *fakeStreamer) Transfer(_ context.Context, _ string, actions ncco.NCCO) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, actions)
	return nil
}

func (f *fakeStreamer) Hangup(_ context.Context, legID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, legID)
	return nil
}

func (f *fakeStreamer) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangups)
}

func (f *fakeStreamer) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// writeStory writes a mono 8 kHz u-law WAV whose every sample in second n
// has the value n.
func writeStory(t *testing.T, dir, name string, seconds int) {
	t.Helper()
	const rate = 8000
	data := make([]byte, seconds*rate)
	for i := range data {
		data[i] = byte(i / rate)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(7))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(8))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

type harness struct {
	engine    *Engine
	store     *session.Store
	sched     *session.Scheduler
	fragments *media.FragmentStore
	streamer  *fakeStreamer
	audioDir  string
	clock     time.Time
	sess      *session.Session
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	audioDir := t.TempDir()
	writeStory(t, audioDir, "lion.wav", 30)

	fragments, err := media.NewFragmentStore(filepath.Join(t.TempDir(), "fragments"), logger)
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewStore(logger)
	sched := session.NewScheduler(store, logger)
	streamer := &fakeStreamer{}

	h := &harness{
		store:     store,
		sched:     sched,
		fragments: fragments,
		streamer:  streamer,
		audioDir:  audioDir,
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = New(cfg, streamer, fragments, media.NewLibrary(audioDir), sched, ncco.NewBuilder("https://ivr.example.com", "en-IN"), logger)
	h.engine.now = func() time.Time { return h.clock }
	h.engine.OnComplete(func(*session.Session) ncco.NCCO {
		return ncco.NCCO{{Action: "talk", Text: "done"}}
	})

	h.sess, err = store.Answer(context.Background(), "caller", "leg-1", "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	h.run(t, func(s *session.Session) error {
		s.ActiveStory = &session.StoryRef{Name: "The Lion", AudioFile: "lion.wav"}
		return nil
	})
	return h
}

func (h *harness) run(t *testing.T, fn func(s *session.Session) error) {
	t.Helper()
	if err := h.store.Run(context.Background(), h.sess, fn); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) fragmentCount(t *testing.T) int {
	t.Helper()
	n, err := h.fragments.Count()
	if err != nil {
		t.Fatal(err)
	}
	return n
}

// Long guard so the real completion timer never fires during a test.
var testConfig = Config{Guard: time.Hour}

func TestStartCreatesFullFragment(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		if err := h.engine.Start(context.Background(), s); err != nil {
			t.Fatalf("Start() error: %v", err)
		}
		if !s.Playback.Playing {
			t.Error("Playing = false after Start")
		}
		if s.Playback.Offset != 0 || s.Playback.Duration != 30*time.Second {
			t.Errorf("offset/duration = %d/%s, want 0/30s", s.Playback.Offset, s.Playback.Duration)
		}
		if !s.Playback.ArmedAt.Equal(h.clock) {
			t.Error("ArmedAt not set to now")
		}
		if !s.HasTimer() {
			t.Error("no completion timer armed")
		}
		return nil
	})

	if len(h.streamer.started) != 1 || !strings.HasSuffix(h.streamer.started[0], "/audio/"+h.sess.Playback.Fragment) {
		t.Errorf("stream urls = %v", h.streamer.started)
	}
	if h.fragmentCount(t) != 1 {
		t.Errorf("fragment count = %d, want 1", h.fragmentCount(t))
	}
	if h.sched.Live() != 1 {
		t.Errorf("live timers = %d, want 1", h.sched.Live())
	}
}

func TestStartRejected(t *testing.T) {
	h := newHarness(t, testConfig)
	h.streamer.startErr = errors.New("409 conflict")

	h.run(t, func(s *session.Session) error {
		err := h.engine.Start(context.Background(), s)
		if !errors.Is(err, ErrPlaybackStartFailed) {
			t.Fatalf("err = %v, want ErrPlaybackStartFailed", err)
		}
		if s.Playback.Playing {
			t.Error("Playing still true after rejected start")
		}
		return nil
	})
	if h.sched.Live() != 0 {
		t.Errorf("live timers = %d after rejected start, want 0", h.sched.Live())
	}
}

func TestStartWithoutStory(t *testing.T) {
	h := newHarness(t, testConfig)
	h.run(t, func(s *session.Session) error {
		s.ActiveStory = nil
		if err := h.engine.Start(context.Background(), s); !errors.Is(err, ErrNoActiveStory) {
			t.Errorf("err = %v, want ErrNoActiveStory", err)
		}
		return nil
	})
}

func TestStopTrimsAtRoundedOffset(t *testing.T) {
	h := newHarness(t, Config{})
	var first string

	h.run(t, func(s *session.Session) error {
		if err := h.engine.Start(context.Background(), s); err != nil {
			t.Fatal(err)
		}
		first = s.Playback.Fragment
		h.clock = h.clock.Add(12600 * time.Millisecond)
		completed, err := h.engine.Stop(context.Background(), s, "pause")
		if err != nil {
			t.Fatalf("Stop() error: %v", err)
		}
		if completed {
			t.Fatal("Stop reported completion at 12.6s of 30s")
		}
		if s.Playback.Offset != 13 {
			t.Errorf("Offset = %d, want 13", s.Playback.Offset)
		}
		if s.Playback.Duration != 17*time.Second {
			t.Errorf("Duration = %s, want 17s", s.Playback.Duration)
		}
		if s.Playback.Playing {
			t.Error("Playing = true after Stop")
		}
		if s.Playback.Fragment == first {
			t.Error("fragment not replaced")
		}
		return nil
	})

	if h.fragments.Exists(first) {
		t.Error("previous fragment still on disk")
	}
	if h.fragmentCount(t) != 1 {
		t.Errorf("fragment count = %d, want 1", h.fragmentCount(t))
	}

	data, err := os.ReadFile(filepath.Join(h.fragments.Dir(), h.sess.Playback.Fragment))
	if err != nil {
		t.Fatal(err)
	}
	if data[44] != 13 {
		t.Errorf("fragment starts at second %d, want 13", data[44])
	}
}

func TestRepeatedPauseTrimsFromSource(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		ctx := context.Background()
		for _, played := range []time.Duration{5 * time.Second, 3 * time.Second, 4 * time.Second} {
			if err := h.engine.Start(ctx, s); err != nil {
				t.Fatal(err)
			}
			h.clock = h.clock.Add(played)
			if _, err := h.engine.Stop(ctx, s, "pause"); err != nil {
				t.Fatal(err)
			}
		}
		if s.Playback.Offset != 12 {
			t.Errorf("Offset = %d, want 12", s.Playback.Offset)
		}
		if s.Playback.Duration != 18*time.Second {
			t.Errorf("Duration = %s, want 18s", s.Playback.Duration)
		}
		return nil
	})

	data, err := os.ReadFile(filepath.Join(h.fragments.Dir(), h.sess.Playback.Fragment))
	if err != nil {
		t.Fatal(err)
	}
	if data[44] != 12 {
		t.Errorf("fragment starts at second %d, want 12", data[44])
	}
	if h.fragmentCount(t) != 1 {
		t.Errorf("fragment count = %d, want 1", h.fragmentCount(t))
	}
}

func TestStopThenStartKeepsOneFragment(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		ctx := context.Background()
		if err := h.engine.Start(ctx, s); err != nil {
			t.Fatal(err)
		}
		h.clock = h.clock.Add(7 * time.Second)
		if _, err := h.engine.Stop(ctx, s, "pause"); err != nil {
			t.Fatal(err)
		}
		if err := h.engine.Start(ctx, s); err != nil {
			t.Fatal(err)
		}
		return nil
	})

	if h.fragmentCount(t) != 1 {
		t.Errorf("fragment count = %d, want 1", h.fragmentCount(t))
	}
	if h.sched.Live() != 1 {
		t.Errorf("live timers = %d, want 1", h.sched.Live())
	}
	if len(h.streamer.started) != 2 {
		t.Errorf("stream starts = %d, want 2", len(h.streamer.started))
	}
}

func TestStopAfterEndTakesCompletionPath(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		ctx := context.Background()
		if err := h.engine.Start(ctx, s); err != nil {
			t.Fatal(err)
		}
		s.State = session.StateStoryReading
		h.clock = h.clock.Add(31 * time.Second)

		completed, err := h.engine.Stop(ctx, s, "pause")
		if err != nil {
			t.Fatal(err)
		}
		if !completed {
			t.Fatal("Stop did not report completion")
		}
		if s.ActiveStory != nil {
			t.Error("ActiveStory not cleared")
		}
		if s.State != session.StateMainMenu {
			t.Errorf("State = %q, want main menu", s.State)
		}
		if s.Playback.Fragment != "" {
			t.Error("fragment id not cleared")
		}
		return nil
	})

	if h.fragmentCount(t) != 0 {
		t.Errorf("fragment count = %d, want 0", h.fragmentCount(t))
	}
	if h.streamer.transferCount() != 0 {
		t.Errorf("transfers = %d, want 0; the webhook reply carries the announcement", h.streamer.transferCount())
	}
	if h.sched.Live() != 0 {
		t.Errorf("live timers = %d, want 0", h.sched.Live())
	}
}

func TestStopRejectedKeepsPlaying(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		ctx := context.Background()
		if err := h.engine.Start(ctx, s); err != nil {
			t.Fatal(err)
		}
		fragment := s.Playback.Fragment
		h.streamer.stopErr = errors.New("404 not found")
		h.clock = h.clock.Add(5 * time.Second)

		_, err := h.engine.Stop(ctx, s, "pause")
		if !errors.Is(err, ErrPlaybackStopFailed) {
			t.Fatalf("err = %v, want ErrPlaybackStopFailed", err)
		}
		if !s.Playback.Playing || s.Playback.Fragment != fragment {
			t.Error("playback state changed after rejected stop")
		}
		if !s.HasTimer() {
			t.Error("completion timer not re-armed")
		}
		return nil
	})
}

func TestStopTrimFailureKeepsFragment(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		ctx := context.Background()
		if err := h.engine.Start(ctx, s); err != nil {
			t.Fatal(err)
		}
		fragment := s.Playback.Fragment
		if err := os.Remove(filepath.Join(h.audioDir, "lion.wav")); err != nil {
			t.Fatal(err)
		}
		h.clock = h.clock.Add(5 * time.Second)

		_, err := h.engine.Stop(ctx, s, "pause")
		if !errors.Is(err, ErrFragmentTrimFailed) {
			t.Fatalf("err = %v, want ErrFragmentTrimFailed", err)
		}
		if s.Playback.Fragment != fragment || !h.fragments.Exists(fragment) {
			t.Error("previous fragment lost after failed trim")
		}
		if s.Playback.Offset != 0 {
			t.Errorf("Offset = %d, want unchanged 0", s.Playback.Offset)
		}
		if s.ActiveStory == nil {
			t.Error("story dropped after failed trim")
		}
		return nil
	})
}

func TestNaturalCompletionTimer(t *testing.T) {
	h := newHarness(t, Config{Guard: 10 * time.Millisecond})
	writeStory(t, h.audioDir, "short.wav", 1)

	h.run(t, func(s *session.Session) error {
		s.ActiveStory = &session.StoryRef{Name: "Short", AudioFile: "short.wav"}
		s.State = session.StateStoryReading
		return h.engine.Start(context.Background(), s)
	})

	deadline := time.Now().Add(3 * time.Second)
	for h.streamer.transferCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.streamer.transferCount() != 1 {
		t.Fatalf("transfers = %d, want 1", h.streamer.transferCount())
	}

	h.run(t, func(s *session.Session) error {
		if s.ActiveStory != nil || s.Playback.Playing {
			t.Error("session still has a playing story after completion")
		}
		if s.State != session.StateMainMenu {
			t.Errorf("State = %q, want main menu", s.State)
		}
		return nil
	})
	if h.fragmentCount(t) != 0 {
		t.Errorf("fragment count = %d, want 0", h.fragmentCount(t))
	}
}

func TestReleaseRecordsOffset(t *testing.T) {
	h := newHarness(t, Config{Guard: time.Hour, LatencyCorrection: 1500 * time.Millisecond})

	h.run(t, func(s *session.Session) error {
		if err := h.engine.Start(context.Background(), s); err != nil {
			t.Fatal(err)
		}
		return nil
	})
	h.clock = h.clock.Add(11 * time.Second)

	err := h.store.Terminate("caller", func(s *session.Session) {
		h.engine.Release(s)
	})
	if err != nil {
		t.Fatal(err)
	}

	if h.fragmentCount(t) != 0 {
		t.Errorf("fragment count = %d, want 0", h.fragmentCount(t))
	}
	if h.sched.Live() != 0 {
		t.Errorf("live timers = %d, want 0", h.sched.Live())
	}
	p, ok := h.store.Progress("caller")
	if !ok || p.Story == nil {
		t.Fatal("progress not remembered")
	}
	// 11s played minus 1.5s correction rounds to 10 (9.5 rounds away from zero).
	if p.Offset != 10 {
		t.Errorf("remembered offset = %d, want 10", p.Offset)
	}
	if h.streamer.stopped != 0 || h.streamer.transferCount() != 0 {
		t.Error("release sent a provider command")
	}
}

func TestElapsed(t *testing.T) {
	tests := []struct {
		name       string
		played     time.Duration
		correction time.Duration
		duration   time.Duration
		want       int
	}{
		{"rounds up", 12600 * time.Millisecond, 0, 30 * time.Second, 13},
		{"rounds down", 12400 * time.Millisecond, 0, 30 * time.Second, 12},
		{"half away from zero", 12500 * time.Millisecond, 0, 30 * time.Second, 13},
		{"latency correction", 12600 * time.Millisecond, 1500 * time.Millisecond, 30 * time.Second, 11},
		{"negative clamps to zero", 500 * time.Millisecond, 1500 * time.Millisecond, 30 * time.Second, 0},
		{"clamps to duration", 45 * time.Second, 0, 30 * time.Second, 30},
		{"fractional duration ceiling", 40 * time.Second, 0, 29500 * time.Millisecond, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Elapsed(tt.played, tt.correction, tt.duration); got != tt.want {
				t.Errorf("Elapsed(%s, %s, %s) = %d, want %d", tt.played, tt.correction, tt.duration, got, tt.want)
			}
		})
	}
}

func TestHangupAfter(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		h.engine.HangupAfter(s, 10*time.Millisecond)
		return nil
	})

	deadline := time.Now().Add(3 * time.Second)
	for h.streamer.hangupCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.streamer.hangupCount() != 1 {
		t.Fatalf("hangups = %d, want 1", h.streamer.hangupCount())
	}
	if got := h.streamer.hangups[0]; got != "leg-1" {
		t.Errorf("hung up leg %q, want leg-1", got)
	}
}

func TestHangupAfterSkipsReplacedLeg(t *testing.T) {
	h := newHarness(t, testConfig)

	h.run(t, func(s *session.Session) error {
		h.engine.HangupAfter(s, 20*time.Millisecond)
		s.LegID = "leg-2"
		return nil
	})

	time.Sleep(200 * time.Millisecond)
	if n := h.streamer.hangupCount(); n != 0 {
		t.Errorf("hangups = %d, want 0 after the caller reconnected", n)
	}
}
