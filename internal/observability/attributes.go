// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrKind     = "kind"
	attrOutcome  = "outcome"
	attrTerminal = "terminal"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func terminalAttr(terminal bool) attribute.KeyValue {
	return attribute.Bool(attrTerminal, terminal)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const jobsPrefix = "/v1/jobs/"
	if len(path) > len(jobsPrefix) && strings.HasPrefix(path, jobsPrefix) {
		return "/v1/jobs/{jobId}"
	}
	const strategiesPrefix = "/v1/strategies/"
	if len(path) > len(strategiesPrefix) && strings.HasPrefix(path, strategiesPrefix) {
		if strings.HasSuffix(path, "/events") {
			return "/v1/strategies/{strategyId}/events"
		}
		return "/v1/strategies/{strategyId}"
	}
	return path
}

// WithKind returns a metric option with the job kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}

// WithOutcome returns a metric option with the outcome attribute.
func WithOutcome(outcome string) metric.MeasurementOption {
	return metric.WithAttributes(outcomeAttr(outcome))
}
