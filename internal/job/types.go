// Package job drives transfer jobs against the Engine Session: the per-job
// supervisor state machine and the host-facing lifecycle operations.
package job

import (
	"context"

	"seedkeeper/pkg/cloudevent"
)

// Phase is where a job is in its lifecycle.
type Phase string

const (
	PhaseCreated   Phase = "created"
	PhaseFetching  Phase = "fetching"
	PhaseActive    Phase = "active"
	PhaseSeeding   Phase = "seeding"
	PhaseStopped   Phase = "stopped"
	PhaseFailed    Phase = "failed"
	PhaseRemoved   Phase = "removed"
	PhaseCompleted Phase = "completed"
)

// Terminal reports whether no further transitions follow.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseStopped, PhaseFailed, PhaseRemoved, PhaseCompleted:
		return true
	default:
		return false
	}
}

// PhaseFunc observes phase transitions. It is called from the worker goroutine.
type PhaseFunc func(Phase)

// Variant distinguishes the long-lived seed job from the one-shot download.
type Variant string

const (
	VariantSeed     Variant = "seed"
	VariantDownload Variant = "download"
)

// StatusCodeReady is the terminal status code reported for a finished download.
// It matches the registry's Ready status.
const StatusCodeReady = 1

// DownloadRequest asks for one descriptor to be downloaded under Name.
type DownloadRequest struct {
	Descriptor string `json:"descriptor"`
	Name       string `json:"name"`
	Verify     bool   `json:"verify"` // re-check on-disk content before transferring
}

// CompletionRecord is handed to the host when a download finishes.
type CompletionRecord struct {
	Identifier     string `json:"identifier"`
	ByteLength     int64  `json:"byteLength"`
	StatusCode     int    `json:"statusCode"`
	DescriptorPath string `json:"descriptorPath"`
}

// HostCallback receives finished downloads. It runs synchronously on the
// download worker and may return a corrected identifier; an empty string
// keeps the original.
type HostCallback interface {
	OnDownloadComplete(ctx context.Context, record CompletionRecord) (string, error)
}

// Notifier publishes lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(event *cloudevent.CloudEvent)
}
