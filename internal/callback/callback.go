// Package callback provides the host callbacks run when a download completes.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/job"
	"seedkeeper/internal/registry"
	"seedkeeper/pkg/backoff"
	"seedkeeper/pkg/circuitbreaker"
	"seedkeeper/pkg/cloudevent"
)

// ItemStore is the part of the registry the registry callback writes to.
type ItemStore interface {
	Get(ctx context.Context, id string) (*registry.Item, error)
	Put(ctx context.Context, item registry.Item) error
}

// Registry records finished downloads as Ready, unclaimed items so the next
// sweep starts seeding them.
type Registry struct {
	store ItemStore
}

// NewRegistry creates a callback that writes to store.
func NewRegistry(store ItemStore) *Registry {
	return &Registry{store: store}
}

// OnDownloadComplete implements job.HostCallback. The identifier is kept.
// An item a seed worker currently owns is not overwritten; its seeding flag
// belongs to the sweep's claim.
func (r *Registry) OnDownloadComplete(ctx context.Context, record job.CompletionRecord) (string, error) {
	existing, err := r.store.Get(ctx, record.Identifier)
	switch {
	case err == nil && existing.Seeding:
		return "", apperrors.Conflict("item", record.Identifier, "item is being seeded")
	case err != nil && !errors.Is(err, apperrors.ErrNotFound):
		return "", fmt.Errorf("record download %s: %w", record.Identifier, err)
	}

	item := registry.Item{
		ID:         record.Identifier,
		Status:     registry.Status(record.StatusCode),
		Seeding:    false,
		Descriptor: record.DescriptorPath,
		Size:       record.ByteLength,
	}
	if err := r.store.Put(ctx, item); err != nil {
		return "", fmt.Errorf("record download %s: %w", record.Identifier, err)
	}
	slog.Debug("Download recorded in registry", "component", "callback", "itemId", item.ID, "size", item.Size)
	return "", nil
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL        string
	SigningKey string
	Timeout    time.Duration // per attempt (default: 10s)
	Attempts   int           // default: 3
	Retry      backoff.Config

	// Breakers is keyed by host and may be shared with the dispatcher.
	// Nil gives the webhook its own registry with default settings.
	Breakers *circuitbreaker.Registry
}

// Webhook posts the completion record to the host as a CloudEvent and reads
// back an optional corrected identifier.
type Webhook struct {
	url        string
	signingKey string
	attempts   int
	retry      backoff.Config
	sender     *cloudevent.Sender
	breakers   *circuitbreaker.Registry
}

// NewWebhook creates a webhook callback.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry = backoff.Config{Initial: 200 * time.Millisecond, Max: 5 * time.Second}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return &Webhook{
		url:        cfg.URL,
		signingKey: cfg.SigningKey,
		attempts:   cfg.Attempts,
		retry:      cfg.Retry,
		sender:     cloudevent.NewSender(cfg.Timeout),
		breakers:   cfg.Breakers,
	}
}

type webhookReply struct {
	Identifier string `json:"identifier"`
}

// OnDownloadComplete implements job.HostCallback. Client errors from the
// host are not retried. While the host's breaker is open the call fails with
// circuitbreaker.ErrOpen without a request.
func (w *Webhook) OnDownloadComplete(ctx context.Context, record job.CompletionRecord) (string, error) {
	event := job.NewEventBuilder(record.Identifier, "").BuildDownloadComplete(record)
	// Built once so every attempt carries the same event ID.
	opts := cloudevent.SendOptions{SigningKey: w.signingKey}

	var reply webhookReply
	err := w.breakers.ForURL(w.url).Guard(func() error {
		return backoff.Retry(ctx, w.attempts, &w.retry, func(ctx context.Context) error {
			reply = webhookReply{}
			err := w.sender.Exchange(ctx, w.url, event, opts, &reply)
			if cloudevent.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		})
	}, hostDown)
	if err != nil {
		return "", fmt.Errorf("completion webhook: %w", err)
	}
	return reply.Identifier, nil
}

// hostDown reports whether err counts against the host's breaker. A 4xx
// reply or our own cancellation does not.
func hostDown(err error) bool {
	return !cloudevent.IsPermanent(err) && !errors.Is(err, context.Canceled)
}

var (
	_ job.HostCallback = (*Registry)(nil)
	_ job.HostCallback = (*Webhook)(nil)
)
