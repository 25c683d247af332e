// Package observability provides metrics for the seeding service.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrVariant  = "variant"
	attrOutcome  = "outcome"
	attrCategory = "category"
	attrOp       = "op"
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

func variantAttr(variant string) attribute.KeyValue {
	return attribute.String(attrVariant, variant)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func categoryAttr(category string) attribute.KeyValue {
	return attribute.String(attrCategory, category)
}

func attributeOp(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// normalizePath replaces item identifiers with a placeholder to bound cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/items/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/items/{id}"
	}
	return path
}
