// Package registry is the durable store of content items the orchestrator seeds.
package registry

import (
	"context"
	"time"
)

// Status is an item's transfer status.
type Status int

const (
	StatusPending Status = 0
	StatusReady   Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Item is one registry row.
type Item struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Seeding    bool      `json:"seeding"`
	Descriptor string    `json:"descriptor"` // local path or remote URI
	Size       int64     `json:"size"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Registry is what the reconciliation sweep needs.
type Registry interface {
	// ListPending returns items that are Ready and not seeding.
	ListPending(ctx context.Context) ([]Item, error)

	// MarkSeeding durably sets the seeding flag on a Ready, non-seeding item.
	// It fails with apperrors.ErrAlreadyClaimed when another caller got there first.
	MarkSeeding(ctx context.Context, id string) error

	// ReleaseSeeding clears one item's seeding flag so a later sweep can
	// claim it again. Releasing an unclaimed or missing item is not an error.
	ReleaseSeeding(ctx context.Context, id string) error

	// ClearAllSeedingFlags resets every seeding flag and returns how many changed.
	ClearAllSeedingFlags(ctx context.Context) (int64, error)
}
