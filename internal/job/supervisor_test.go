package job

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/engine"
	"seedkeeper/internal/engine/enginetest"
	"seedkeeper/internal/observability"
	"seedkeeper/internal/registry"
	"seedkeeper/internal/testutil"
	"seedkeeper/pkg/cloudevent"
)

var (
	downloading = engine.Status{Activity: engine.ActivityDownloading}
	seeding     = engine.Status{Activity: engine.ActivitySeeding}
	checking    = engine.Status{Activity: engine.ActivityChecking}
	stopped     = engine.Status{Activity: engine.ActivityStopped}
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

func (n *recordingNotifier) Notify(event *cloudevent.CloudEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type callbackFunc func(ctx context.Context, record CompletionRecord) (string, error)

func (f callbackFunc) OnDownloadComplete(ctx context.Context, record CompletionRecord) (string, error) {
	return f(ctx, record)
}

type phaseLog struct {
	mu     sync.Mutex
	phases []Phase
}

func (l *phaseLog) report(p Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, p)
}

func (l *phaseLog) last() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.phases) == 0 {
		return ""
	}
	return l.phases[len(l.phases)-1]
}

func (l *phaseLog) all() []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Phase(nil), l.phases...)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	present := func() bool { return true }
	absent := func() bool { return false }

	tests := []struct {
		name    string
		variant Variant
		status  engine.Status
		exists  func() bool
		want    decision
	}{
		{"fatal wins over seeding", VariantSeed, engine.Status{Activity: engine.ActivitySeeding, Error: engine.ErrorFatal}, present, decision{outcome: outcomeFailed, phase: PhaseFailed}},
		{"fatal download", VariantDownload, engine.Status{Activity: engine.ActivityDownloading, Error: engine.ErrorFatal}, nil, decision{outcome: outcomeFailed, phase: PhaseFailed}},
		{"stopped seed", VariantSeed, stopped, present, decision{outcome: outcomeStopped, phase: PhaseStopped}},
		{"stopped download", VariantDownload, stopped, nil, decision{outcome: outcomeStopped, phase: PhaseStopped}},
		{"download done", VariantDownload, seeding, nil, decision{outcome: outcomeCompleted, phase: PhaseCompleted}},
		{"seed with content", VariantSeed, seeding, present, decision{outcome: outcomeContinue, phase: PhaseSeeding}},
		{"seed content gone", VariantSeed, seeding, absent, decision{outcome: outcomeRemoved, phase: PhaseRemoved}},
		{"seed checking", VariantSeed, checking, present, decision{outcome: outcomeContinue, phase: PhaseActive}},
		{"seed check wait", VariantSeed, engine.Status{Activity: engine.ActivityCheckWait}, present, decision{outcome: outcomeContinue, phase: PhaseActive}},
		{"seed downloading is inconsistent", VariantSeed, downloading, present, decision{outcome: outcomeContinue, phase: PhaseActive, inconsistent: true}},
		{"download in progress", VariantDownload, downloading, nil, decision{outcome: outcomeContinue, phase: PhaseActive}},
		{"tracker error is not fatal", VariantDownload, engine.Status{Activity: engine.ActivityDownloading, Error: engine.ErrorTrackerError}, nil, decision{outcome: outcomeContinue, phase: PhaseActive}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, evaluate(tt.variant, tt.status, tt.exists))
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	t.Parallel()
	for _, p := range []Phase{PhaseStopped, PhaseFailed, PhaseRemoved, PhaseCompleted} {
		assert.True(t, p.Terminal(), p)
	}
	for _, p := range []Phase{PhaseCreated, PhaseFetching, PhaseActive, PhaseSeeding} {
		assert.False(t, p.Terminal(), p)
	}
}

type fixture struct {
	session  *enginetest.Session
	notifier *recordingNotifier
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		session:  enginetest.New(enginetest.TempLayout(t)),
		notifier: &recordingNotifier{},
		dir:      t.TempDir(),
	}
}

func (f *fixture) supervisor(cb HostCallback) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Session:      f.session,
		Callback:     cb,
		Notifier:     f.notifier,
		PollInterval: time.Millisecond,
	})
}

func TestRunDownload_Completes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "movie.mkv", 40_000)
	f.session.Script("movie", downloading, checking, downloading, seeding)

	var calls int
	var liveAtCallback int
	cb := callbackFunc(func(_ context.Context, record CompletionRecord) (string, error) {
		calls++
		liveAtCallback = f.session.Live()
		assert.Equal(t, "movie", record.Identifier)
		return "", nil
	})

	record, err := f.supervisor(cb).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "movie"})
	require.NoError(t, err)

	assert.Equal(t, "movie", record.Identifier)
	assert.EqualValues(t, 40_000, record.ByteLength)
	assert.Equal(t, StatusCodeReady, record.StatusCode)
	assert.Equal(t, f.session.Layout().DescriptorDir(), filepath.Dir(record.DescriptorPath))
	assert.FileExists(t, record.DescriptorPath)

	assert.Equal(t, 1, calls)
	assert.Zero(t, liveAtCallback, "job must be disposed before the host callback runs")
	_, _, _, disposed := f.session.Counts()
	assert.Equal(t, 1, disposed)
	assert.Equal(t, []string{EventTypeDownloadComplete}, f.notifier.types())
}

func TestRunDownload_CallbackCorrectsIdentifier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "a.bin", 1024)
	f.session.Script("a", seeding)

	cb := callbackFunc(func(context.Context, CompletionRecord) (string, error) {
		return "a-canonical", nil
	})
	record, err := f.supervisor(cb).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a-canonical", record.Identifier)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "a-canonical", f.notifier.events[0].Data["identifier"])
}

func TestRunDownload_CallbackError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "a.bin", 1024)
	f.session.Script("a", seeding)

	var calls int
	cb := callbackFunc(func(context.Context, CompletionRecord) (string, error) {
		calls++
		return "", errors.New("registry unavailable")
	})
	record, err := f.supervisor(cb).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "a"})
	require.Error(t, err)
	require.NotNil(t, record)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{EventTypeDownloadFail}, f.notifier.types())
}

func TestRunDownload_EngineOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		script  []engine.Status
		wantErr error
	}{
		{"stopped", []engine.Status{downloading, stopped}, apperrors.ErrJobStopped},
		{"fatal", []engine.Status{downloading, {Activity: engine.ActivityDownloading, Error: engine.ErrorFatal, ErrorMessage: "disk full"}}, apperrors.ErrEngineFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "x.bin", 2048)
			f.session.Script("x", tt.script...)

			cb := callbackFunc(func(context.Context, CompletionRecord) (string, error) {
				t.Error("callback must not run")
				return "", nil
			})
			_, err := f.supervisor(cb).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "x"})
			assert.ErrorIs(t, err, tt.wantErr)

			_, _, _, disposed := f.session.Counts()
			assert.Equal(t, 1, disposed)
			assert.Equal(t, []string{EventTypeDownloadFail}, f.notifier.types())
		})
	}
}

func TestRunDownload_CreateFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	descPath := testutil.MultiFileDescriptor(t, f.dir, "album", 100, 200)

	_, err := f.supervisor(nil).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "album"})
	assert.ErrorIs(t, err, apperrors.ErrNotSingleFile)

	created, _, _, disposed := f.session.Counts()
	assert.Zero(t, created)
	assert.Zero(t, disposed)
}

func TestRunDownload_Verify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "v.bin", 512)
	f.session.Script("v", checking, seeding)

	_, err := f.supervisor(nil).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "v", Verify: true})
	require.NoError(t, err)

	_, started, verified, _ := f.session.Counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, verified)
}

func TestRunDownload_ContextCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "slow.bin", 512)
	f.session.Script("slow", downloading)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.supervisor(nil).RunDownload(ctx, DownloadRequest{Descriptor: descPath, Name: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.session.Live())
}

func seedItem(t *testing.T, f *fixture, id string, size int) registry.Item {
	t.Helper()
	descPath, _ := testutil.SingleFileDescriptor(t, f.dir, id+".bin", size)
	testutil.WriteContent(t, f.session.Layout().ContentPath(id), size)
	return registry.Item{ID: id, Status: registry.StatusReady, Descriptor: descPath, Size: int64(size)}
}

func TestRunSeed_ContentRemoved(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	item := seedItem(t, f, "item1", 4096)
	f.session.Script(item.ID, checking, seeding)

	layout := f.session.Layout()
	var log phaseLog
	done := make(chan error, 1)
	go func() {
		done <- f.supervisor(nil).RunSeed(context.Background(), item, log.report)
	}()

	testutil.MustWaitFor(t, func() bool { return log.last() == PhaseSeeding }, testutil.WithTimeout(time.Second), testutil.WithInterval(time.Millisecond))

	meta, err := f.session.Inspect(context.Background(), item.Descriptor)
	require.NoError(t, err)
	require.FileExists(t, meta.DescriptorPath)
	require.NoError(t, os.MkdirAll(meta.ResumePath, 0o755))

	require.NoError(t, os.Remove(layout.ContentPath(item.ID)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("seed job did not end after content removal")
	}

	assert.Equal(t, PhaseRemoved, log.last())
	assert.Contains(t, log.all(), PhaseCreated)
	assert.NoFileExists(t, meta.DescriptorPath)
	assert.NoDirExists(t, meta.ResumePath)
	_, _, _, disposed := f.session.Counts()
	assert.Equal(t, 1, disposed)
	assert.Equal(t, []string{EventTypeSeedStart, EventTypeSeedEnd}, f.notifier.types())
}

func TestRunSeed_Stopped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	item := seedItem(t, f, "item2", 1024)
	f.session.Script(item.ID, seeding, stopped)

	var log phaseLog
	err := f.supervisor(nil).RunSeed(context.Background(), item, log.report)
	assert.ErrorIs(t, err, apperrors.ErrJobStopped)
	assert.Equal(t, PhaseStopped, log.last())
	assert.FileExists(t, f.session.Layout().ContentPath(item.ID), "stopping must not touch content")
}

func TestRunSeed_ContextCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	item := seedItem(t, f, "item3", 1024)
	f.session.Script(item.ID, seeding)

	ctx, cancel := context.WithCancel(context.Background())
	var log phaseLog
	done := make(chan error, 1)
	go func() {
		done <- f.supervisor(nil).RunSeed(ctx, item, log.report)
	}()
	testutil.MustWaitFor(t, func() bool { return log.last() == PhaseSeeding }, testutil.WithTimeout(time.Second), testutil.WithInterval(time.Millisecond))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("seed job ignored cancellation")
	}
	assert.Zero(t, f.session.Live())
}

func TestRunSeed_CreateFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	item := registry.Item{ID: "missing", Descriptor: filepath.Join(f.dir, "nope.torrent")}

	var log phaseLog
	err := f.supervisor(nil).RunSeed(context.Background(), item, log.report)
	assert.ErrorIs(t, err, apperrors.ErrUnrecognized)
	assert.Equal(t, []Phase{PhaseCreated, PhaseFailed}, log.all())
	assert.Equal(t, []string{EventTypeSeedEnd}, f.notifier.types())
}

// loggedSupervisor returns a supervisor with real metrics whose log lines
// land in buf. Only read buf after the run returns.
func (f *fixture) loggedSupervisor(t *testing.T, cb HostCallback, buf *bytes.Buffer) *Supervisor {
	t.Helper()
	metrics, _, err := observability.NewMetrics(context.Background())
	require.NoError(t, err)
	return NewSupervisor(SupervisorConfig{
		Session:      f.session,
		Callback:     cb,
		Notifier:     f.notifier,
		Metrics:      metrics,
		PollInterval: time.Millisecond,
		Logger:       slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
}

func TestRunSeed_FatalError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	item := seedItem(t, f, "item4", 1024)
	f.session.Script(item.ID, checking, seeding,
		engine.Status{Activity: engine.ActivitySeeding, Error: engine.ErrorFatal, ErrorMessage: "disk failure"})

	var buf bytes.Buffer
	var log phaseLog
	err := f.loggedSupervisor(t, nil, &buf).RunSeed(context.Background(), item, log.report)
	assert.ErrorIs(t, err, apperrors.ErrEngineFatal)
	assert.Equal(t, PhaseFailed, log.last())
	assert.Contains(t, log.all(), PhaseSeeding)

	_, _, _, disposed := f.session.Counts()
	assert.Equal(t, 1, disposed)
	assert.Zero(t, f.session.Live())
	assert.FileExists(t, f.session.Layout().ContentPath(item.ID), "a fatal error must not touch content")

	assert.Equal(t, []string{EventTypeSeedStart, EventTypeSeedEnd}, f.notifier.types())
	f.notifier.mu.Lock()
	end := f.notifier.events[1]
	f.notifier.mu.Unlock()
	assert.Equal(t, string(PhaseFailed), end.Data["reason"])
	assert.Contains(t, end.Data["error"], "disk failure")

	assert.Contains(t, buf.String(), `"category":"fatal"`)
	assert.Contains(t, buf.String(), `"message":"disk failure"`)
}

func TestRunSeed_TrackerErrorContinues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	item := seedItem(t, f, "item5", 1024)
	trackerErr := engine.Status{Activity: engine.ActivitySeeding, Error: engine.ErrorTrackerError, ErrorMessage: "tracker unreachable"}
	f.session.Script(item.ID, seeding, trackerErr, trackerErr, seeding, stopped)

	var buf bytes.Buffer
	var log phaseLog
	err := f.loggedSupervisor(t, nil, &buf).RunSeed(context.Background(), item, log.report)

	// The worker kept polling past the tracker errors until the engine stopped it.
	assert.ErrorIs(t, err, apperrors.ErrJobStopped)
	assert.Equal(t, PhaseStopped, log.last())
	assert.Equal(t, 2, strings.Count(buf.String(), `"category":"tracker-error"`))
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestRunDownload_TrackerWarningContinues(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		kind  engine.ErrorKind
		label string
	}{
		{"tracker warning", engine.ErrorTrackerWarning, "tracker-warning"},
		{"tracker error", engine.ErrorTrackerError, "tracker-error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			descPath, _ := testutil.SingleFileDescriptor(t, f.dir, "w.bin", 4096)
			f.session.Script("w",
				downloading,
				engine.Status{Activity: engine.ActivityDownloading, Error: tt.kind, ErrorMessage: "announce timed out"},
				engine.Status{Activity: engine.ActivitySeeding, Error: tt.kind, ErrorMessage: "announce timed out"},
			)

			var calls int
			cb := callbackFunc(func(context.Context, CompletionRecord) (string, error) {
				calls++
				return "", nil
			})

			var buf bytes.Buffer
			record, err := f.loggedSupervisor(t, cb, &buf).RunDownload(context.Background(), DownloadRequest{Descriptor: descPath, Name: "w"})
			require.NoError(t, err)
			assert.EqualValues(t, 4096, record.ByteLength)
			assert.Equal(t, 1, calls)

			_, _, _, disposed := f.session.Counts()
			assert.Equal(t, 1, disposed)
			assert.Equal(t, []string{EventTypeDownloadComplete}, f.notifier.types())
			assert.Equal(t, 2, strings.Count(buf.String(), `"category":"`+tt.label+`"`))
		})
	}
}
