package training

import (
	"trainingjobs/pkg/cloudevent"

	"github.com/google/uuid"
)

// Event types for job lifecycle notifications
const (
	EventTypeCreated   = "training.job.created"
	EventTypeStatus    = "training.job.status"
	EventTypeCompleted = "training.job.completed"
	EventTypeFailed    = "training.job.failed"
	EventTypeCancelled = "training.job.cancelled"
	EventTypeTimeout   = "training.job.timeout"
)

// terminalEventTypes maps terminal statuses to their dedicated event type.
var terminalEventTypes = map[Status]string{
	StatusCompleted: EventTypeCompleted,
	StatusFailed:    EventTypeFailed,
	StatusCancelled: EventTypeCancelled,
	StatusTimeout:   EventTypeTimeout,
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	if source == "" {
		source = "trainingjobs"
	}
	return &EventBuilder{source: source}
}

// Build creates a new CloudEvent about job with the given type and data.
func (b *EventBuilder) Build(eventType string, job *Job, data map[string]any) *cloudevent.CloudEvent {
	if data == nil {
		data = map[string]any{}
	}
	data["jobId"] = job.ID
	data["ownerId"] = job.OwnerID
	return cloudevent.New(eventType, b.source, job.ID, uuid.NewString(), data)
}

// BuildCreatedEvent creates a job created event.
func (b *EventBuilder) BuildCreatedEvent(job *Job) *cloudevent.CloudEvent {
	return b.Build(EventTypeCreated, job, map[string]any{
		"name":       job.Name,
		"totalSteps": job.TotalSteps,
		"assetCount": len(job.Assets),
	})
}

// BuildTransitionEvents creates the events for a status change from previous to job.Status.
func (b *EventBuilder) BuildTransitionEvents(job *Job, previous Status) []*cloudevent.CloudEvent {
	data := map[string]any{
		"previousStatus": string(previous),
		"status":         string(job.Status),
		"progress":       job.Progress,
		"currentStep":    job.CurrentStep,
		"totalSteps":     job.TotalSteps,
	}
	events := []*cloudevent.CloudEvent{b.Build(EventTypeStatus, job, data)}

	eventType, ok := terminalEventTypes[job.Status]
	if !ok {
		return events
	}
	terminal := map[string]any{"status": string(job.Status)}
	if job.FinalModelURL != "" {
		terminal["finalModelUrl"] = job.FinalModelURL
	}
	if job.Error != "" {
		terminal["error"] = job.Error
	}
	if len(job.SampleURLs) > 0 {
		terminal["sampleUrls"] = job.SampleURLs
	}
	return append(events, b.Build(eventType, job, terminal))
}
