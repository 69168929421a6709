// Package tool defines the tool capability port and the registry that
// resolves tools by name. The registry is constructed once at startup and
// passed to the components that need it; there is no ambient global state.
package tool

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnknownTool is returned when a name resolves to no registered tool.
var ErrUnknownTool = errors.New("tool: unknown tool")

// Tool is the capability interface every adapter implements.
type Tool interface {
	// Name returns the registry key, e.g. "github.search_issues".
	Name() string

	// RequiredScope returns the scope an actor must hold to invoke the tool.
	RequiredScope() string

	// Execute runs the tool with an opaque JSON input and returns an opaque
	// JSON output.
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}
