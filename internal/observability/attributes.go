// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrJobStatus = "job_status"
	attrOutcome   = "outcome"
	attrSource    = "source"
	attrAction    = "action"
	attrBreaker   = "breaker"
	attrState     = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/training/jobs/abc123/sync -> /v1/training/jobs/{jobId}/sync
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String(attrSource, source)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}

func breakerAttr(name string) attribute.KeyValue {
	return attribute.String(attrBreaker, name)
}

func breakerStateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// idPrefixes are the route prefixes followed by a job id.
var idPrefixes = []string{
	"/v1/training/jobs/",
	"/webhooks/training/",
}

// normalizePath replaces dynamic path segments with placeholders.
// Route patterns from the router are preferred; this covers unmatched requests.
func normalizePath(path string) string {
	if strings.Contains(path, "{") {
		return path
	}
	for _, prefix := range idPrefixes {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if _, action, found := strings.Cut(rest, "/"); found {
			return prefix + "{jobId}/" + action
		}
		return prefix + "{jobId}"
	}
	return path
}
