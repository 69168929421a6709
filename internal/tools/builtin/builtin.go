// Package builtin provides the built-in diagnostic tools registered on every
// worker. Real SaaS tool adapters implement the same tool.Tool interface and
// register alongside these at startup.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaysh/relay/internal/port/tool"
)

// maxSleep caps the sleep tool so a plan cannot park a worker slot.
const maxSleep = 10 * time.Second

// Register adds the built-in tools to the registry.
func Register(r *tool.Registry) error {
	for _, t := range []tool.Tool{Echo{}, Sleep{}} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its input unchanged. Useful for end-to-end pipeline checks
// without touching any external system.
type Echo struct{}

func (Echo) Name() string          { return "builtin.echo" }
func (Echo) RequiredScope() string { return "" }

func (Echo) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}

// Sleep blocks for the requested duration, honoring cancellation. Used to
// exercise job timeouts and retry behavior against a live deployment.
type Sleep struct{}

func (Sleep) Name() string          { return "builtin.sleep" }
func (Sleep) RequiredScope() string { return "" }

func (Sleep) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Ms int `json:"ms"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("sleep input: %w", err)
		}
	}
	d := time.Duration(in.Ms) * time.Millisecond
	if d < 0 {
		return nil, fmt.Errorf("sleep input: negative duration %dms", in.Ms)
	}
	if d > maxSleep {
		return nil, fmt.Errorf("sleep input: %dms exceeds the %s cap", in.Ms, maxSleep)
	}

	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.RawMessage(fmt.Sprintf(`{"slept_ms":%d}`, in.Ms)), nil
}
