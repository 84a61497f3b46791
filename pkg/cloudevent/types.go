// Package cloudevent provides CloudEvents 1.0 envelopes, HMAC payload
// signatures, and an HTTP sender for structured-mode delivery.
package cloudevent

import (
	"errors"
	"time"
)

// SpecVersion is the CloudEvents version produced by New.
const SpecVersion = "1.0"

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates an event stamped with the current UTC time.
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

// Validate checks the attributes the CloudEvents spec makes mandatory.
func (e *CloudEvent) Validate() error {
	switch {
	case e == nil:
		return errors.New("cloudevent: nil event")
	case e.SpecVersion != SpecVersion:
		return errors.New("cloudevent: unsupported specversion " + e.SpecVersion)
	case e.ID == "":
		return errors.New("cloudevent: id is required")
	case e.Source == "":
		return errors.New("cloudevent: source is required")
	case e.Type == "":
		return errors.New("cloudevent: type is required")
	}
	return nil
}
