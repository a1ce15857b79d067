// Package observability provides the OpenTelemetry instruments exported on
// the Prometheus /metrics endpoint.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod      = "method"
	attrPath        = "path"
	attrStatus      = "status"
	attrSuccess     = "success"
	attrOutcome     = "outcome"
	attrStep        = "step"
	attrRemoteState = "remote_state"
	attrState       = "state"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func remoteStateAttr(state string) attribute.KeyValue {
	return attribute.String(attrRemoteState, state)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

// normalizePath replaces job ids with a placeholder to bound cardinality.
// /v1/jobs/abc123 -> /v1/jobs/{jobId}
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/jobs/{jobId}"
	}
	return path
}
