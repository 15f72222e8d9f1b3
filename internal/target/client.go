package target

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultProcessName is the executable name of the target application.
const DefaultProcessName = "Cursor"

// Client inspects and controls the target desktop application's processes.
type Client struct {
	names []string
}

func NewClient(names ...string) *Client {
	if len(names) == 0 {
		names = []string{DefaultProcessName}
	}
	return &Client{names: names}
}

// IsRunning reports whether any process of the target application is alive.
func (c *Client) IsRunning(ctx context.Context) (bool, error) {
	pids, err := c.find(ctx)
	if err != nil {
		return false, err
	}
	return len(pids) > 0, nil
}

func (c *Client) find(ctx context.Context) ([]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var pids []int32
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit while we iterate.
			continue
		}
		if c.matches(name) {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

func (c *Client) matches(name string) bool {
	name = strings.TrimSuffix(strings.ToLower(name), ".exe")
	for _, want := range c.names {
		if name == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Quit asks the application to exit and waits for it, killing it if it is
// still alive after the grace period.
func (c *Client) Quit(ctx context.Context, grace time.Duration) error {
	running, err := c.IsRunning(ctx)
	if err != nil || !running {
		return err
	}

	if runtime.GOOS == "darwin" {
		exec.CommandContext(ctx, "osascript", "-e", fmt.Sprintf("quit app %q", c.names[0])).Run()
	} else {
		c.signal(ctx, false)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if running, _ := c.IsRunning(ctx); !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	c.signal(ctx, true)
	time.Sleep(500 * time.Millisecond)
	if running, _ := c.IsRunning(ctx); running {
		return fmt.Errorf("%s did not exit", c.names[0])
	}
	return nil
}

func (c *Client) signal(ctx context.Context, force bool) {
	pids, err := c.find(ctx)
	if err != nil {
		return
	}
	for _, pid := range pids {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		if force {
			p.KillWithContext(ctx)
		} else {
			p.TerminateWithContext(ctx)
		}
	}
}

// Launch starts the application detached from this process.
func (c *Client) Launch() error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", "-a", c.names[0])
	case "windows":
		cmd = exec.Command("cmd", "/C", "start", "", c.names[0])
	default:
		cmd = exec.Command(strings.ToLower(c.names[0]))
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch %s: %w", c.names[0], err)
	}
	return cmd.Process.Release()
}
