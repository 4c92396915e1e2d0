package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/mictrail/internal/app"
	"github.com/MrWong99/mictrail/internal/catalog"
	catmock "github.com/MrWong99/mictrail/internal/catalog/mock"
	"github.com/MrWong99/mictrail/internal/config"
	"github.com/MrWong99/mictrail/internal/observe"
	"github.com/MrWong99/mictrail/pkg/audio"
	audiomock "github.com/MrWong99/mictrail/pkg/audio/mock"
)

// testConfig returns a config that buffers into a temp dir and listens on a
// random loopback port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Buffering: config.BufferingConfig{Enabled: true, Directory: filepath.Join(t.TempDir(), "buffer"), ChunkDurationSeconds: 1},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// frames returns n 20 ms frames at 16 kHz.
func frames(n int) []audio.AudioFrame {
	out := make([]audio.AudioFrame, n)
	for i := range out {
		out[i] = audio.AudioFrame{
			Data:       make([]byte, 640),
			SampleRate: 16000,
			Channels:   1,
			CapturedAt: time.UnixMilli(1_700_000_000_000 + int64(i)*20),
		}
	}
	return out
}

// startApp runs a until the returned stop func is called.
func startApp(t *testing.T, a *app.App) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	var once bool
	var runErr error
	stop = func() error {
		if !once {
			once = true
			cancel()
			runErr = <-done
			_ = a.Shutdown(context.Background())
		}
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_UnknownSource(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Capture.Source = "alsa"
	if _, err := app.New(context.Background(), cfg, app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for unregistered source")
	}
}

func TestNew_RemovesStaleSegments(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Buffering.Directory, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(cfg.Buffering.Directory, "segment_1_old.wav")
	if err := os.WriteFile(stale, []byte("leftover"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := app.New(context.Background(), cfg,
		app.WithSource(&audiomock.Source{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale segment still present: %v", err)
	}
	if len(a.Controller().Segments()) != 0 {
		t.Error("registry should start empty")
	}
}

func TestApp_CaptureToHTTPAndShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	history := &catmock.Recorder{}
	src := &audiomock.Source{Frames: frames(60), Hold: true} // 1.2 s

	a, err := app.New(context.Background(), cfg,
		app.WithSource(src),
		app.WithRecorder(history),
		app.WithMetrics(testMetrics(t)),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "# metrics\n")
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := startApp(t, a)
	base := "http://" + a.Addr()

	waitFor(t, "first segment", func() bool { return len(a.Controller().Segments()) == 1 })

	code, body := get(t, base+"/api/v1/segments")
	if code != http.StatusOK || !strings.Contains(body, `"id"`) {
		t.Errorf("segments: %d %s", code, body)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Errorf("readyz: %d", code)
	}
	if code, body := get(t, base+"/metrics"); code != http.StatusOK || body != "# metrics\n" {
		t.Errorf("metrics: %d %q", code, body)
	}

	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Shutdown finalized the 0.2 s tail and flushed both events to history.
	segs := a.Controller().Segments()
	if len(segs) != 2 || segs[1].DurationMs != 200 {
		t.Fatalf("segments after shutdown = %+v", segs)
	}
	evs := history.Events()
	if len(evs) != 2 || evs[0].Type != catalog.EventFinalized || evs[1].Segment.ID != segs[1].ID {
		t.Errorf("history = %+v", evs)
	}
	for _, s := range segs {
		if _, err := os.Stat(s.Location); err != nil {
			t.Errorf("segment file %s: %v", s.Location, err)
		}
	}
	if src.CallCountClose == 0 {
		t.Error("source was not closed")
	}
}

func TestApp_ToggleOverHTTP(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Buffering.Enabled = false
	a, err := app.New(context.Background(), cfg,
		app.WithSource(&audiomock.Source{Hold: true}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	req, _ := http.NewRequest(http.MethodPut, "http://"+a.Addr()+"/api/v1/buffering", strings.NewReader(`{"enabled":true}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil || !st.Enabled {
		t.Errorf("PUT response enabled=%v err=%v", st.Enabled, err)
	}
	if !a.Controller().Enabled() {
		t.Error("controller not enabled")
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	lv := new(slog.LevelVar)
	a, err := app.New(context.Background(), cfg,
		app.WithSource(&audiomock.Source{}), app.WithMetrics(testMetrics(t)), app.WithLogLevel(lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	next := *cfg
	next.Buffering.Enabled = false
	next.Server.LogLevel = config.LogDebug
	a.ApplyConfig(cfg, &next, config.Diff(cfg, &next))

	if a.Controller().Enabled() {
		t.Error("buffering should be disabled after reload")
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
}

func TestApp_ListenError(t *testing.T) {
	t.Parallel()
	first, err := app.New(context.Background(), testConfig(t),
		app.WithSource(&audiomock.Source{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Shutdown(context.Background())

	cfg := testConfig(t)
	cfg.Server.ListenAddr = first.Addr()
	src := &audiomock.Source{}
	if _, err := app.New(context.Background(), cfg, app.WithSource(src), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected listen error on an occupied port")
	}
	if src.CallCountClose != 1 {
		t.Errorf("source closes = %d, want 1", src.CallCountClose)
	}
}

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()
	reg := app.DefaultRegistry()
	if got := reg.Sources(); len(got) != 2 || got[0] != "stdin" || got[1] != "synth" {
		t.Fatalf("Sources() = %v", got)
	}
	src, err := reg.CreateSource(config.CaptureConfig{Source: "synth", SampleRate: 16000, FrameMs: 20, ToneHz: 440})
	if err != nil {
		t.Fatalf("CreateSource(synth): %v", err)
	}
	defer src.Close()
	if f := src.Format(); f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("synth format = %v", f)
	}
}

func TestApp_HTTPDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "-"
	src := &audiomock.Source{Frames: frames(10), Hold: true}
	a, err := app.New(context.Background(), cfg, app.WithSource(src), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Addr() != "" {
		t.Errorf("Addr = %q, want empty", a.Addr())
	}
	stop := startApp(t, a)
	waitFor(t, "open segment", func() bool {
		_, ok := a.Controller().OpenSegment()
		return ok
	})
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(a.Controller().Segments()); n != 1 {
		t.Errorf("segments after shutdown = %d, want 1", n)
	}
}
