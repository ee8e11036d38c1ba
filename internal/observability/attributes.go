// Package observability provides metrics and tracing utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrQueue   = "queue"
	attrWES     = "wes"
	attrState   = "state"
	attrOp      = "op"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func queueAttr(queueID string) attribute.KeyValue {
	return attribute.String(attrQueue, queueID)
}

func wesAttr(wesID string) attribute.KeyValue {
	return attribute.String(attrWES, wesID)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces the queue id segment with a placeholder.
// /v1/queues/9614112/run -> /v1/queues/{queueId}/run
func normalizePath(path string) string {
	const prefix = "/v1/queues/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	if _, action, found := strings.Cut(rest, "/"); found {
		return prefix + "{queueId}/" + action
	}
	return prefix + "{queueId}"
}
