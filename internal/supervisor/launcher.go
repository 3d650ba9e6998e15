package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/greenline/internal/dispatch"
	"github.com/MrWong99/greenline/internal/tenant"
	"github.com/MrWong99/greenline/internal/tool"
	"github.com/MrWong99/greenline/internal/worker"
)

// Conn is a live connection to one tool-group worker.
type Conn interface {
	// Tools lists the worker's tool catalogue.
	Tools(ctx context.Context) ([]tool.Descriptor, error)

	// Call invokes a tool. A non-nil error is a transport failure; tool
	// failures are carried in the Response.
	Call(ctx context.Context, name string, tenantID tenant.ID, input json.RawMessage) (dispatch.Response, error)

	// Wait blocks until the worker exits or the connection is lost.
	Wait() error

	// Close terminates the connection and the worker behind it.
	Close() error
}

// Launcher starts a worker for a tool group.
type Launcher interface {
	Launch(ctx context.Context, group string) (Conn, error)
}

// LauncherFunc adapts a function to [Launcher].
type LauncherFunc func(ctx context.Context, group string) (Conn, error)

// Launch implements [Launcher].
func (f LauncherFunc) Launch(ctx context.Context, group string) (Conn, error) {
	return f(ctx, group)
}

// CommandLauncher runs every worker as a subprocess of the same binary
// (`<executable> worker -group <name> [args...]`) and talks MCP to it over
// stdio. Worker stderr is passed through so its logs reach the supervisor's
// log stream.
type CommandLauncher struct {
	// Executable is the path of the greenline binary. Defaults to
	// os.Executable().
	Executable string

	// ExtraArgs are appended after the group flag, e.g. -config.
	ExtraArgs []string

	// Env entries are added to the inherited environment.
	Env []string

	// Version is reported in the MCP handshake.
	Version string
}

// Launch implements [Launcher].
func (l *CommandLauncher) Launch(ctx context.Context, group string) (Conn, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("supervisor: resolve executable: %w", err)
		}
	}
	args := append([]string{"worker", "-group", group}, l.ExtraArgs...)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = os.Stderr

	c, err := worker.Dial(ctx, &mcp.CommandTransport{Command: cmd}, l.Version)
	if err != nil {
		return nil, fmt.Errorf("supervisor: launch %q: %w", group, err)
	}
	return c, nil
}
