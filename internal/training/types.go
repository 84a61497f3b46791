package training

import (
	"maps"
	"slices"
	"time"
)

// Resource is the resource name used in errors and logs.
const Resource = "training job"

// Settings is an opaque configuration blob passed through to the compute provider unchanged.
type Settings map[string]any

// TrainingConfig holds the training parameters. Steps fixes the job's totalSteps at dispatch.
type TrainingConfig struct {
	Steps        int      `json:"steps"`
	LearningRate float64  `json:"learningRate,omitempty"`
	BatchSize    int      `json:"batchSize,omitempty"`
	Rank         int      `json:"rank,omitempty"`
	Resolution   int      `json:"resolution,omitempty"`
	TriggerWord  string   `json:"triggerWord,omitempty"`
	Params       Settings `json:"params,omitempty"`
}

// Job is a single fine-tuning request tracked from creation through a terminal outcome.
type Job struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Status      Status `json:"status"`
	Progress    int    `json:"progress"`
	CurrentStep int    `json:"currentStep"`
	TotalSteps  int    `json:"totalSteps"`

	ExternalJobID string `json:"externalJobId,omitempty"`

	TrainingConfig TrainingConfig `json:"trainingConfig"`
	DatasetConfig  Settings       `json:"datasetConfig,omitempty"`
	ModelConfig    Settings       `json:"modelConfig,omitempty"`
	SampleConfig   Settings       `json:"sampleConfig,omitempty"`

	Error        string   `json:"error,omitempty"`
	Loss         *float64 `json:"loss,omitempty"`
	LearningRate *float64 `json:"learningRate,omitempty"`
	ETASeconds   *int64   `json:"eta,omitempty"`

	SampleURLs     []string `json:"sampleUrls"`
	CheckpointURLs []string `json:"checkpointUrls"`
	FinalModelURL  string   `json:"finalModelUrl,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Assets []Asset `json:"assets,omitempty"`
}

// Asset is an input file attached to a job at creation. Assets are immutable.
type Asset struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	Position    int       `json:"position"`
	Filename    string    `json:"filename"`
	Caption     string    `json:"caption,omitempty"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType,omitempty"`
	Width       *int      `json:"width,omitempty"`
	Height      *int      `json:"height,omitempty"`
	SizeBytes   *int64    `json:"sizeBytes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AssetRef is a fetchable reference checked before dispatch.
type AssetRef struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// Ref returns the asset's fetchable reference.
func (a Asset) Ref() AssetRef {
	return AssetRef{URL: a.URL, ContentType: a.ContentType}
}

// Dispatched reports whether the provider has accepted the job.
func (j *Job) Dispatched() bool {
	return j.ExternalJobID != ""
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.TrainingConfig.Params = maps.Clone(j.TrainingConfig.Params)
	c.DatasetConfig = maps.Clone(j.DatasetConfig)
	c.ModelConfig = maps.Clone(j.ModelConfig)
	c.SampleConfig = maps.Clone(j.SampleConfig)
	c.SampleURLs = slices.Clone(j.SampleURLs)
	c.CheckpointURLs = slices.Clone(j.CheckpointURLs)
	c.Assets = slices.Clone(j.Assets)
	c.Loss = clonePtr(j.Loss)
	c.LearningRate = clonePtr(j.LearningRate)
	c.ETASeconds = clonePtr(j.ETASeconds)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Definition is what the dispatch client sends to the compute provider.
type Definition struct {
	JobID          string         `json:"jobId"`
	TrainingConfig TrainingConfig `json:"trainingConfig"`
	DatasetConfig  Settings       `json:"datasetConfig,omitempty"`
	ModelConfig    Settings       `json:"modelConfig,omitempty"`
	SampleConfig   Settings       `json:"sampleConfig,omitempty"`
	Assets         []AssetRef     `json:"assets"`
	WebhookURL     string         `json:"webhookUrl"`
}

// Dispatch is the provider's answer to a successful start request.
type Dispatch struct {
	ExternalJobID string
	StatusCode    string
}

// CreateRequest is the caller-facing create payload, decoded once at the API boundary.
type CreateRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	TrainingConfig TrainingConfig `json:"trainingConfig"`
	DatasetConfig  Settings       `json:"datasetConfig,omitempty"`
	ModelConfig    Settings       `json:"modelConfig,omitempty"`
	SampleConfig   Settings       `json:"sampleConfig,omitempty"`
	Assets         []AssetInput   `json:"assets"`
}

// AssetInput describes one asset in a create request.
type AssetInput struct {
	Filename    string `json:"filename"`
	Caption     string `json:"caption,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Width       *int   `json:"width,omitempty"`
	Height      *int   `json:"height,omitempty"`
	SizeBytes   *int64 `json:"sizeBytes,omitempty"`
}

// ListResponse wraps a job listing.
type ListResponse struct {
	Jobs []*Job `json:"jobs"`
}
