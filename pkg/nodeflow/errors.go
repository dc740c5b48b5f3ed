package nodeflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph editing.
var (
	// ErrNodeNotFound indicates an operation references a non-existent node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateNode indicates AddNode was called with an id already in use.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrEmptyNodeID indicates AddNode was called without an id.
	ErrEmptyNodeID = errors.New("node id cannot be empty")

	// ErrDuplicateEdge indicates the same source and target ports are already connected.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrEdgeNotFound indicates Disconnect was called with an unknown edge id.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrSelfLoop indicates an edge from a node to itself.
	ErrSelfLoop = errors.New("node cannot be connected to itself")

	// ErrInvalidPort indicates an edge names a port that cannot be wired.
	// Edges always run from an output port to an input port.
	ErrInvalidPort = errors.New("invalid port")

	// ErrUnknownKind indicates no resolver knows the requested node kind.
	ErrUnknownKind = errors.New("unknown node kind")

	// ErrNoStore indicates an operation needs a store but none is configured.
	ErrNoStore = errors.New("no store configured")
)

// Sentinel errors for execution.
var (
	// ErrClosed indicates the graph or component has been closed.
	ErrClosed = errors.New("closed")

	// ErrMaxDepth indicates nested subflows exceeded the configured depth.
	ErrMaxDepth = errors.New("subflow depth limit exceeded")
)

// ProcessingError is stored on a component when its processor fails.
// The component keeps its previous output and nothing is sent downstream.
type ProcessingError struct {
	// NodeID is the component that failed.
	NodeID string
	// Kind is the component's kind.
	Kind string
	// Err is the processor's error, or a *PanicError.
	Err error
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	return fmt.Sprintf("node %s (%s): process: %v", e.NodeID, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from a processor.
// It includes the stack trace for debugging.
type PanicError struct {
	// NodeID is the identifier of the node that panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// ResolveError wraps a failure to turn a NodeSpec into a Definition.
type ResolveError struct {
	// NodeID is the node being added.
	NodeID string
	// Kind is the requested kind.
	Kind string
	// Err is the resolver's error.
	Err error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve node %s (%s): %v", e.NodeID, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ResolveError) Unwrap() error {
	return e.Err
}
