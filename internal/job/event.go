package job

import (
	"github.com/google/uuid"

	"seedkeeper/pkg/cloudevent"
)

// Event types for job lifecycle notifications
const (
	EventTypeSeedStart        = "seedkeeper.seed.start"
	EventTypeSeedEnd          = "seedkeeper.seed.end"
	EventTypeDownloadComplete = "seedkeeper.download.complete"
	EventTypeDownloadFail     = "seedkeeper.download.fail"
)

// EventSource is the CloudEvents source for everything this service emits.
const EventSource = "seedkeeper"

// EventBuilder builds CloudEvents for one job run.
type EventBuilder struct {
	subject string
	runID   string
}

// NewEventBuilder creates a builder whose events carry identifier as subject.
func NewEventBuilder(identifier, runID string) *EventBuilder {
	return &EventBuilder{subject: identifier, runID: runID}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["identifier"]; !ok {
		data["identifier"] = b.subject
	}
	if b.runID != "" {
		data["runId"] = b.runID
	}
	return cloudevent.New(eventType, EventSource, b.subject, uuid.NewString(), data)
}

// BuildSeedStart creates a seed start event.
func (b *EventBuilder) BuildSeedStart(infoHash string) *cloudevent.CloudEvent {
	return b.Build(EventTypeSeedStart, map[string]any{"infoHash": infoHash})
}

// BuildSeedEnd creates a seed end event with the terminal phase as reason.
func (b *EventBuilder) BuildSeedEnd(reason Phase, err error) *cloudevent.CloudEvent {
	data := map[string]any{"reason": string(reason)}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.Build(EventTypeSeedEnd, data)
}

// BuildDownloadComplete creates a download completion event from a record.
func (b *EventBuilder) BuildDownloadComplete(record CompletionRecord) *cloudevent.CloudEvent {
	return b.Build(EventTypeDownloadComplete, map[string]any{
		"identifier":     record.Identifier,
		"byteLength":     record.ByteLength,
		"statusCode":     record.StatusCode,
		"descriptorPath": record.DescriptorPath,
	})
}

// BuildDownloadFail creates a download failure event.
func (b *EventBuilder) BuildDownloadFail(err error) *cloudevent.CloudEvent {
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.Build(EventTypeDownloadFail, data)
}
