// Package engine defines the Engine Session contract the orchestrator drives,
// together with the status model and the on-disk layout under the root directory.
package engine

import (
	"context"
	"path/filepath"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/descriptor"
)

// Activity is the engine's coarse view of what a job is doing.
type Activity int

const (
	ActivityStopped Activity = iota
	ActivityCheckWait
	ActivityChecking
	ActivityDownloading
	ActivitySeeding
)

func (a Activity) String() string {
	switch a {
	case ActivityStopped:
		return "stopped"
	case ActivityCheckWait:
		return "check-wait"
	case ActivityChecking:
		return "checking"
	case ActivityDownloading:
		return "downloading"
	case ActivitySeeding:
		return "seeding"
	default:
		return "unknown"
	}
}

// ErrorKind classifies the error a job reports alongside its activity.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorTrackerWarning
	ErrorTrackerError
	ErrorFatal
)

// Label returns the category label used in logs and metrics.
func (k ErrorKind) Label() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorTrackerWarning:
		return "tracker-warning"
	case ErrorTrackerError:
		return "tracker-error"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsFatal reports whether the error ends the job.
func (k ErrorKind) IsFatal() bool {
	return k == ErrorFatal
}

// Status is one poll snapshot. It is never cached across polls.
type Status struct {
	Activity     Activity
	Error        ErrorKind
	ErrorMessage string
}

// Metadata describes a parsed descriptor from the engine's point of view.
type Metadata struct {
	InfoHash       string
	Name           string // descriptor's own content name
	Files          []FileEntry
	Length         int64 // total declared length
	DescriptorPath string // engine-owned descriptor copy
	ResumePath     string // engine resume state, never created by callers
}

// FileEntry is one content file of a descriptor.
type FileEntry struct {
	Path   string
	Length int64
}

// SingleFile returns the only content file or apperrors.ErrNotSingleFile.
func (m *Metadata) SingleFile() (FileEntry, error) {
	if len(m.Files) != 1 {
		return FileEntry{}, apperrors.Create(apperrors.ErrNotSingleFile, m.InfoHash, nil)
	}
	return m.Files[0], nil
}

// MetadataFrom derives engine metadata for a parsed descriptor under layout.
func MetadataFrom(d *descriptor.Descriptor, layout Layout) Metadata {
	m := Metadata{
		InfoHash:       d.InfoHash,
		Name:           d.Name(),
		Length:         d.TotalLength(),
		DescriptorPath: layout.DescriptorPath(d.InfoHash),
		ResumePath:     layout.ResumePath(d.InfoHash),
	}
	for _, f := range d.Files {
		m.Files = append(m.Files, FileEntry{Path: f.Path, Length: f.Length})
	}
	return m
}

// Job is a live engine job. Handles are unique for the life of the session.
type Job struct {
	Handle      uint64
	Meta        Metadata
	ContentName string
	ContentPath string
}

// CreateOptions tune job creation.
type CreateOptions struct {
	// ContentName overrides the name the content file is stored under in the
	// download directory. Empty keeps the descriptor's own name. The override
	// lasts until the job is disposed.
	ContentName string
}

// Session is the process-wide Engine Session.
type Session interface {
	// CreateJob resolves, parses and registers a single-file descriptor.
	// Errors match apperrors.ErrUnrecognized, ErrParseFailed, ErrDuplicate
	// or ErrNotSingleFile. A failed create leaves no engine state behind.
	CreateJob(ctx context.Context, location string, opts CreateOptions) (*Job, error)

	// Inspect parses a descriptor without creating a live job or writing anything.
	Inspect(ctx context.Context, location string) (*Metadata, error)

	Start(job *Job) error
	Stop(job *Job) error

	// Verify forces a full re-check of on-disk content.
	Verify(job *Job) error

	Poll(job *Job) (Status, error)

	// Dispose releases the job's engine resources. Callers invoke it exactly once.
	Dispose(job *Job)

	// ResumeStatePath returns where the engine keeps the job's resume state.
	// Used only for cleanup.
	ResumeStatePath(job *Job) string

	// DownloadDir returns the directory content files live in.
	DownloadDir() string

	// Ready reports whether the session can accept work.
	Ready(ctx context.Context) error

	Close() error
}

// Layout is the directory structure under the root directory.
type Layout struct {
	Root        string
	ConfigDir   string
	DownloadDir string
}

// NewLayout derives the standard layout for root.
func NewLayout(root string) Layout {
	return Layout{
		Root:        root,
		ConfigDir:   filepath.Join(root, "config"),
		DownloadDir: filepath.Join(root, "download"),
	}
}

// LockPath returns the process singleton lock file.
func (l Layout) LockPath() string {
	return filepath.Join(l.ConfigDir, "lock")
}

// SettingsPath returns the engine settings file.
func (l Layout) SettingsPath() string {
	return filepath.Join(l.ConfigDir, "settings.yaml")
}

// DescriptorDir holds engine-owned descriptor copies.
func (l Layout) DescriptorDir() string {
	return filepath.Join(l.ConfigDir, "torrents")
}

// ResumeDir holds per-job resume state.
func (l Layout) ResumeDir() string {
	return filepath.Join(l.ConfigDir, "resume")
}

// ContentPath returns where content named name is stored.
func (l Layout) ContentPath(name string) string {
	return filepath.Join(l.DownloadDir, name)
}

// DescriptorPath returns the descriptor copy path for an info hash.
func (l Layout) DescriptorPath(infoHash string) string {
	return filepath.Join(l.DescriptorDir(), infoHash+".torrent")
}

// ResumePath returns the resume state path for an info hash.
func (l Layout) ResumePath(infoHash string) string {
	return filepath.Join(l.ResumeDir(), infoHash)
}
