// Package importer translates a decoded ONNX graph into an engine
// network definition, and can analyze which contiguous regions of a
// graph are translatable without committing to a full import.
package importer

import (
	"errors"
	"fmt"
)

// ErrorCode classifies import failures.
type ErrorCode int

const (
	ErrorSuccess ErrorCode = iota
	ErrorInternal
	ErrorModelDeserializeFailed
	ErrorInvalidValue
	ErrorInvalidGraph
	ErrorUnsupportedGraph
	ErrorUnsupportedNode
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorSuccess:
		return "SUCCESS"
	case ErrorInternal:
		return "INTERNAL_ERROR"
	case ErrorModelDeserializeFailed:
		return "MODEL_DESERIALIZE_FAILED"
	case ErrorInvalidValue:
		return "INVALID_VALUE"
	case ErrorInvalidGraph:
		return "INVALID_GRAPH"
	case ErrorUnsupportedGraph:
		return "UNSUPPORTED_GRAPH"
	case ErrorUnsupportedNode:
		return "UNSUPPORTED_NODE"
	}
	return "UNKNOWN"
}

// Status is one structured import error. Node is the index of the
// failing node in the source graph, or -1 when the failure is not
// node-local; InputName is set instead when the failure is rooted at a
// declared graph input.
type Status struct {
	Code      ErrorCode
	Desc      string
	Node      int
	InputName string
	Origin    string
}

func (s *Status) Error() string {
	where := s.Origin
	if where == "" {
		where = "importer"
	}
	if s.InputName != "" {
		return fmt.Sprintf("%s: [%s] input %q: %s", where, s.Code, s.InputName, s.Desc)
	}
	if s.Node >= 0 {
		return fmt.Sprintf("%s: [%s] node %d: %s", where, s.Code, s.Node, s.Desc)
	}
	return fmt.Sprintf("%s: [%s] %s", where, s.Code, s.Desc)
}

func newStatus(code ErrorCode, origin, format string, args ...any) *Status {
	return &Status{
		Code:   code,
		Desc:   fmt.Sprintf(format, args...),
		Node:   -1,
		Origin: origin,
	}
}

// inputStatus builds a Status rooted at a declared graph input rather
// than a node.
func inputStatus(code ErrorCode, origin, name, format string, args ...any) *Status {
	s := newStatus(code, origin, format, args...)
	s.InputName = name
	return s
}

// asStatus normalizes any error into a Status, wrapping foreign errors
// as internal.
func asStatus(err error) *Status {
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	return &Status{Code: ErrorInternal, Desc: err.Error(), Node: -1}
}
