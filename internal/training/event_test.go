package training

import (
	"testing"
)

func TestEventBuilder_BuildCreatedEvent(t *testing.T) {
	t.Parallel()

	job := &Job{ID: "job-1", OwnerID: "owner-1", Name: "portrait", TotalSteps: 1000, Assets: make([]Asset, 4)}
	event := NewEventBuilder("").BuildCreatedEvent(job)

	if event.Type != EventTypeCreated || event.Source != "trainingjobs" || event.Subject != "job-1" {
		t.Errorf("event = type %q source %q subject %q", event.Type, event.Source, event.Subject)
	}
	if event.ID == "" {
		t.Error("event has no id")
	}
	if event.Data["jobId"] != "job-1" || event.Data["ownerId"] != "owner-1" || event.Data["assetCount"] != 4 {
		t.Errorf("data = %v", event.Data)
	}
	if err := event.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestEventBuilder_BuildTransitionEvents(t *testing.T) {
	t.Parallel()

	b := NewEventBuilder("training-service")

	t.Run("non-terminal", func(t *testing.T) {
		t.Parallel()
		job := &Job{ID: "job-1", OwnerID: "owner-1", Status: StatusProcessing, Progress: 20, CurrentStep: 200, TotalSteps: 1000}

		events := b.BuildTransitionEvents(job, StatusQueued)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		data := events[0].Data
		if events[0].Type != EventTypeStatus || data["previousStatus"] != "QUEUED" || data["status"] != "PROCESSING" || data["progress"] != 20 {
			t.Errorf("event = %s %v", events[0].Type, data)
		}
		if events[0].Source != "training-service" {
			t.Errorf("Source = %q", events[0].Source)
		}
	})

	t.Run("terminal", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			status   Status
			wantType string
		}{
			{StatusCompleted, EventTypeCompleted},
			{StatusFailed, EventTypeFailed},
			{StatusCancelled, EventTypeCancelled},
			{StatusTimeout, EventTypeTimeout},
		}
		for _, tt := range tests {
			job := &Job{
				ID:            "job-1",
				OwnerID:       "owner-1",
				Status:        tt.status,
				FinalModelURL: "https://cdn.example.com/m.safetensors",
				Error:         "boom",
				SampleURLs:    []string{"s1"},
			}
			events := b.BuildTransitionEvents(job, StatusSaving)
			if len(events) != 2 {
				t.Fatalf("%s: got %d events, want 2", tt.status, len(events))
			}
			if events[0].Type != EventTypeStatus || events[1].Type != tt.wantType {
				t.Errorf("%s: types = %s, %s", tt.status, events[0].Type, events[1].Type)
			}
			if events[0].ID == events[1].ID {
				t.Errorf("%s: events share id %s", tt.status, events[0].ID)
			}
			data := events[1].Data
			if data["status"] != string(tt.status) || data["finalModelUrl"] == nil || data["error"] != "boom" {
				t.Errorf("%s: data = %v", tt.status, data)
			}
		}
	})

	t.Run("terminal without optional fields", func(t *testing.T) {
		t.Parallel()
		job := &Job{ID: "job-1", OwnerID: "owner-1", Status: StatusCancelled}

		events := b.BuildTransitionEvents(job, StatusQueued)
		for _, key := range []string{"finalModelUrl", "error", "sampleUrls"} {
			if _, ok := events[1].Data[key]; ok {
				t.Errorf("data carries empty %q", key)
			}
		}
	})
}
