// Package cloudevent provides CloudEvents 1.0 types and an HTTP transport
// for lifecycle events and host callbacks.
package cloudevent

import (
	"errors"
	"fmt"
	"time"
)

// SpecVersion is the CloudEvents version every event carries.
const SpecVersion = "1.0"

// ErrInvalidEvent is returned for an event missing a required attribute.
// Sending it again cannot succeed.
var ErrInvalidEvent = errors.New("invalid cloudevent")

// CloudEvent is a structured-mode CloudEvents 1.0 event. Subject is the item
// identifier for seedkeeper events and may be empty.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data,omitempty"`
}

// New creates a JSON event stamped with the current UTC time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the attributes a receiver needs to route and dedupe the
// event: specversion, type, source and id.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("%w: specversion %q", ErrInvalidEvent, e.SpecVersion)
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	case e.Source == "":
		return fmt.Errorf("%w: missing source", ErrInvalidEvent)
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	return nil
}
