// Package anacrolix implements engine.Session on top of github.com/anacrolix/torrent.
//
// Each job gets its own file storage rooted at the download directory, with
// the content file name supplied by the job's create options and piece
// completion kept in the job's resume directory.
package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"golang.org/x/time/rate"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/descriptor"
	"seedkeeper/internal/engine"
)

// Config holds what the session needs at startup.
type Config struct {
	Layout   engine.Layout
	Settings *engine.Settings   // nil uses engine.DefaultSettings
	Loader   *descriptor.Loader // nil handles local descriptors only
}

// Session is an engine.Session backed by one torrent client.
type Session struct {
	client *torrent.Client
	layout engine.Layout
	loader *descriptor.Loader
	jobs   *jobTable
	logger *slog.Logger

	nextHandle atomic.Uint64
	closed     atomic.Bool
}

var (
	processMu      sync.Mutex
	processSession *Session
)

// Initialize returns the process-wide session, creating it on first use.
// Later calls return the existing session and ignore cfg until it is closed.
func Initialize(cfg Config) (*Session, error) {
	processMu.Lock()
	defer processMu.Unlock()

	if processSession != nil {
		return processSession, nil
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	processSession = s
	return s, nil
}

// New creates an independent session. Both the config and download
// directories must already exist.
func New(cfg Config) (*Session, error) {
	for _, dir := range []string{cfg.Layout.ConfigDir, cfg.Layout.DownloadDir} {
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, apperrors.Precondition("engine.initialize", err)
		}
		if !fi.IsDir() {
			return nil, apperrors.Precondition("engine.initialize", fmt.Errorf("%s is not a directory", dir))
		}
	}
	for _, dir := range []string{cfg.Layout.DescriptorDir(), cfg.Layout.ResumeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.Precondition("engine.initialize", err)
		}
	}

	settings := cfg.Settings
	if settings == nil {
		settings = engine.DefaultSettings()
	}

	client, err := torrent.NewClient(clientConfig(cfg.Layout, settings))
	if err != nil {
		return nil, apperrors.Precondition("engine.initialize", err)
	}

	loader := cfg.Loader
	if loader == nil {
		loader = descriptor.NewLoader(nil)
	}

	s := &Session{
		client: client,
		layout: cfg.Layout,
		loader: loader,
		jobs:   newJobTable(),
		logger: slog.With("component", "engine"),
	}
	s.logger.Info("Engine session initialized",
		"configDir", cfg.Layout.ConfigDir,
		"downloadDir", cfg.Layout.DownloadDir,
		"listenPort", settings.ListenPort,
	)
	return s, nil
}

func clientConfig(layout engine.Layout, s *engine.Settings) *torrent.ClientConfig {
	cc := torrent.NewDefaultClientConfig()
	cc.DataDir = layout.DownloadDir
	cc.Seed = s.Seed
	cc.ListenPort = s.ListenPort
	cc.NoDHT = s.NoDHT
	cc.DisableTrackers = s.DisableTrackers
	cc.DisableIPv6 = s.DisableIPv6
	cc.NoDefaultPortForwarding = true
	// Every job brings its own storage; the default only guards against
	// torrents added without one and keeps completion state in memory.
	cc.DefaultStorage = storage.NewFileOpts(storage.NewFileClientOpts{
		ClientBaseDir:   layout.DownloadDir,
		PieceCompletion: storage.NewMapPieceCompletion(),
	})
	if s.UploadRateLimit > 0 {
		cc.UploadRateLimiter = newLimiter(s.UploadRateLimit)
	}
	if s.DownloadRateLimit > 0 {
		cc.DownloadRateLimiter = newLimiter(s.DownloadRateLimit)
	}
	return cc
}

// newLimiter allows bytesPerSecond with a burst large enough for a full chunk.
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := max(bytesPerSecond, 256<<10)
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

// CreateJob implements engine.Session.
func (s *Session) CreateJob(ctx context.Context, location string, opts engine.CreateOptions) (*engine.Job, error) {
	if s.closed.Load() {
		return nil, apperrors.Internal("engine.createJob", errors.New("session closed"))
	}

	d, err := s.loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	file, err := d.SingleFile()
	if err != nil {
		return nil, err
	}

	contentName := opts.ContentName
	if contentName == "" {
		contentName = file.Path
	}
	if contentName != filepath.Base(contentName) {
		return nil, apperrors.Validation("contentName", fmt.Sprintf("content name %q must not contain a path", contentName))
	}

	if err := s.jobs.reserve(d.InfoHash, location); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			s.jobs.unreserve(d.InfoHash)
		}
	}()

	meta := engine.MetadataFrom(d, s.layout)

	spec, err := torrent.TorrentSpecFromMetaInfoErr(d.MetaInfo)
	if err != nil {
		return nil, apperrors.Create(apperrors.ErrParseFailed, location, err)
	}

	pc, err := storage.NewBoltPieceCompletion(meta.ResumePath)
	if err != nil {
		return nil, apperrors.Internal("engine.createJob", err)
	}
	store := storage.NewFileOpts(storage.NewFileClientOpts{
		ClientBaseDir: s.layout.DownloadDir,
		FilePathMaker: func(storage.FilePathMakerOpts) string {
			return contentName
		},
		TorrentDirMaker: func(baseDir string, _ *metainfo.Info, _ metainfo.Hash) string {
			return baseDir
		},
		PieceCompletion: pc,
	})
	spec.Storage = store
	spec.DisallowDataDownload = true

	t, isNew, err := s.client.AddTorrentSpec(spec)
	if err != nil {
		store.Close()
		return nil, apperrors.Internal("engine.createJob", err)
	}
	if !isNew {
		// Added outside this session's bookkeeping; leave it alone.
		store.Close()
		return nil, apperrors.Create(apperrors.ErrDuplicate, location, nil)
	}

	if err := os.WriteFile(meta.DescriptorPath, d.Raw, 0o644); err != nil {
		t.Drop()
		store.Close()
		return nil, apperrors.Internal("engine.createJob", err)
	}

	handle := s.nextHandle.Add(1)
	s.jobs.commit(handle, &jobState{infoHash: d.InfoHash, torrent: t, storage: store})
	committed = true

	job := &engine.Job{
		Handle:      handle,
		Meta:        meta,
		ContentName: contentName,
		ContentPath: s.layout.ContentPath(contentName),
	}
	s.logger.Debug("Job created", "handle", handle, "infoHash", d.InfoHash, "content", contentName)
	return job, nil
}

// Inspect implements engine.Session.
func (s *Session) Inspect(ctx context.Context, location string) (*engine.Metadata, error) {
	d, err := s.loader.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	meta := engine.MetadataFrom(d, s.layout)
	return &meta, nil
}

func (s *Session) lookup(job *engine.Job) (*jobState, error) {
	js, ok := s.jobs.get(job.Handle)
	if !ok {
		return nil, apperrors.NotFound("job", fmt.Sprint(job.Handle))
	}
	return js, nil
}

// Start implements engine.Session.
func (s *Session) Start(job *engine.Job) error {
	js, err := s.lookup(job)
	if err != nil {
		return err
	}
	js.stopped.Store(false)
	js.torrent.AllowDataUpload()
	js.torrent.AllowDataDownload()
	js.torrent.DownloadAll()
	return nil
}

// Stop implements engine.Session.
func (s *Session) Stop(job *engine.Job) error {
	js, err := s.lookup(job)
	if err != nil {
		return err
	}
	js.stopped.Store(true)
	js.torrent.DisallowDataDownload()
	js.torrent.DisallowDataUpload()
	return nil
}

// Verify implements engine.Session. The re-check runs in the background and
// shows up as checking activity on later polls.
func (s *Session) Verify(job *engine.Job) error {
	js, err := s.lookup(job)
	if err != nil {
		return err
	}
	go js.torrent.VerifyData()
	return nil
}

// Poll implements engine.Session.
func (s *Session) Poll(job *engine.Job) (engine.Status, error) {
	js, err := s.lookup(job)
	if err != nil {
		return engine.Status{}, err
	}

	select {
	case <-js.torrent.Closed():
		return engine.Status{Activity: engine.ActivityStopped}, nil
	default:
	}
	if js.stopped.Load() {
		return engine.Status{Activity: engine.ActivityStopped}, nil
	}
	if js.torrent.Info() == nil {
		return engine.Status{Activity: engine.ActivityCheckWait}, nil
	}

	for _, run := range js.torrent.PieceStateRuns() {
		if run.Checking {
			return engine.Status{Activity: engine.ActivityChecking}, nil
		}
		if !run.Ok {
			return engine.Status{Activity: engine.ActivityCheckWait}, nil
		}
	}

	if js.torrent.BytesMissing() == 0 {
		return engine.Status{Activity: engine.ActivitySeeding}, nil
	}
	return engine.Status{Activity: engine.ActivityDownloading}, nil
}

// Dispose implements engine.Session. Unknown handles are ignored.
func (s *Session) Dispose(job *engine.Job) {
	js, ok := s.jobs.release(job.Handle)
	if !ok {
		return
	}
	s.closeJob(js)
	s.logger.Debug("Job disposed", "handle", job.Handle, "infoHash", js.infoHash)
}

func (s *Session) closeJob(js *jobState) {
	js.torrent.Drop()
	if err := js.storage.Close(); err != nil {
		s.logger.Warn("Failed to close job storage", "infoHash", js.infoHash, "error", err)
	}
}

// ResumeStatePath implements engine.Session.
func (s *Session) ResumeStatePath(job *engine.Job) string {
	return s.layout.ResumePath(job.Meta.InfoHash)
}

// DownloadDir implements engine.Session.
func (s *Session) DownloadDir() string {
	return s.layout.DownloadDir
}

// Ready implements engine.Session.
func (s *Session) Ready(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("engine session closed")
	}
	if _, err := os.Stat(s.layout.DownloadDir); err != nil {
		return fmt.Errorf("download directory: %w", err)
	}
	return nil
}

// ActiveJobs returns the number of live jobs.
func (s *Session) ActiveJobs() int {
	return s.jobs.count()
}

// Close drops every live job and shuts the client down.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	for _, js := range s.jobs.drain() {
		s.closeJob(js)
	}
	errs := s.client.Close()

	processMu.Lock()
	if processSession == s {
		processSession = nil
	}
	processMu.Unlock()

	s.logger.Info("Engine session closed")
	return errors.Join(errs...)
}

var _ engine.Session = (*Session)(nil)
