package training

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Update is one status report for a job, delivered by webhook or by polling.
// Nil or empty fields leave the stored value unchanged.
type Update struct {
	// Code is the provider's status vocabulary.
	Code string
	// Status is a canonical status set by local transitions. It takes precedence over Code.
	Status Status

	Progress     *int
	CurrentStep  *int
	TotalSteps   *int
	Loss         *float64
	LearningRate *float64
	ETASeconds   *int64

	SampleURLs     []string
	CheckpointURLs []string
	FinalModelURL  string
	Error          string

	// ReportedJobID is whatever job id the payload claims. It is informational only.
	ReportedJobID string
}

// ErrMalformedPayload is returned when a callback body is not a JSON object.
var ErrMalformedPayload = errors.New("payload is not a JSON object")

// ParseUpdate decodes a provider status payload leniently. Unknown fields are
// ignored and fields with an unusable type are skipped and reported by name,
// so a partially malformed callback still applies whatever it carries.
func ParseUpdate(data []byte) (Update, []string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return Update{}, nil, ErrMalformedPayload
	}

	var u Update
	var skipped []string
	skip := func(field string) { skipped = append(skipped, field) }

	for field, value := range raw {
		if isNull(value) {
			continue
		}
		switch field {
		case "status":
			if s, ok := decodeString(value); ok {
				u.Code = s
			} else {
				skip(field)
			}
		case "jobId":
			if s, ok := decodeString(value); ok {
				u.ReportedJobID = s
			} else {
				skip(field)
			}
		case "progress":
			if n, ok := decodeInt(value); ok {
				u.Progress = &n
			} else {
				skip(field)
			}
		case "currentStep":
			if n, ok := decodeInt(value); ok {
				u.CurrentStep = &n
			} else {
				skip(field)
			}
		case "totalSteps":
			if n, ok := decodeInt(value); ok {
				u.TotalSteps = &n
			} else {
				skip(field)
			}
		case "loss":
			if f, ok := decodeFloat(value); ok {
				u.Loss = &f
			} else {
				skip(field)
			}
		case "learningRate":
			if f, ok := decodeFloat(value); ok {
				u.LearningRate = &f
			} else {
				skip(field)
			}
		case "eta":
			if f, ok := decodeFloat(value); ok {
				eta := int64(f)
				u.ETASeconds = &eta
			} else {
				skip(field)
			}
		case "sampleUrls":
			if urls, ok := decodeStrings(value); ok {
				u.SampleURLs = urls
			} else {
				skip(field)
			}
		case "checkpointUrls":
			if urls, ok := decodeStrings(value); ok {
				u.CheckpointURLs = urls
			} else {
				skip(field)
			}
		case "finalModelUrl":
			if s, ok := decodeString(value); ok {
				u.FinalModelURL = strings.TrimSpace(s)
			} else {
				skip(field)
			}
		case "error":
			if s, ok := decodeString(value); ok {
				u.Error = strings.TrimSpace(s)
			} else {
				skip(field)
			}
		}
	}
	return u, skipped, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeFloat accepts JSON numbers and numeric strings.
func decodeFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, finite(f)
	}
	s, ok := decodeString(raw)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, finite(f)
}

func decodeInt(raw json.RawMessage) (int, bool) {
	f, ok := decodeFloat(raw)
	if !ok || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}
	return int(f), true
}

// decodeStrings accepts an array of strings or a single string. Non-string
// array entries are dropped.
func decodeStrings(raw json.RawMessage) ([]string, bool) {
	if s, ok := decodeString(raw); ok {
		return []string{s}, true
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := decodeString(item); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
