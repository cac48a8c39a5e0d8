package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNoWindow is returned when a target window does not exist.
var ErrNoWindow = errors.New("tmux window not found")

// pasteBufferName is the named buffer used for multi-line sends.
const pasteBufferName = "ccbot-send"

// windowFormat is the list-windows / new-window -P format. Fields are
// tab-separated so names with spaces survive.
const windowFormat = "#{window_id}\t#{window_name}\t#{pane_id}\t#{pane_current_path}"

// Window is one tmux window inside the managed session.
type Window struct {
	ID     string // stable window id, e.g. "@3"
	Name   string
	PaneID string // active pane, e.g. "%7"
	Path   string // active pane's current directory
}

// CommandRunner executes tmux commands with optional stdin data.
type CommandRunner interface {
	Run(args []string, input []byte) ([]byte, error)
}

// Client executes tmux commands against one named session.
type Client struct {
	runner      CommandRunner
	sessionName string
	mainWindow  string
}

// NewClient returns a tmux client using the default command runner.
func NewClient(sessionName, mainWindow string) *Client {
	return NewClientWithRunner(execRunner{}, sessionName, mainWindow)
}

// NewClientWithRunner returns a tmux client using a custom command runner.
func NewClientWithRunner(runner CommandRunner, sessionName, mainWindow string) *Client {
	return &Client{runner: runner, sessionName: sessionName, mainWindow: mainWindow}
}

// SessionName returns the managed tmux session name.
func (c *Client) SessionName() string { return c.sessionName }

// MainWindow returns the placeholder window name excluded from listings.
func (c *Client) MainWindow() string { return c.mainWindow }

// HasSession reports whether the managed session exists.
func (c *Client) HasSession() (bool, error) {
	if c == nil || c.runner == nil {
		return false, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run([]string{"has-session", "-t", "=" + c.sessionName}, nil)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		if len(output) > 0 {
			return false, fmt.Errorf("tmux has-session failed: %s", bytes.TrimSpace(output))
		}
		return false, fmt.Errorf("tmux has-session failed: %w", err)
	}
	return true, nil
}

// EnsureSession creates the managed session, detached, if it is missing.
// Its first window is renamed to the main placeholder so assistant windows
// never collide with it.
func (c *Client) EnsureSession(workDir string) error {
	ok, err := c.HasSession()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	args := []string{"new-session", "-d", "-s", c.sessionName, "-n", c.mainWindow}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	return c.run(args, nil)
}

// ListWindows returns every window of the managed session except the main
// placeholder, in tmux order. A missing session yields an empty list.
func (c *Client) ListWindows() ([]Window, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run([]string{"list-windows", "-t", "=" + c.sessionName, "-F", windowFormat}, nil)
	if err != nil {
		if missingSession(output) {
			return nil, nil
		}
		if len(output) > 0 {
			return nil, fmt.Errorf("tmux list-windows failed: %s", bytes.TrimSpace(output))
		}
		return nil, fmt.Errorf("tmux list-windows failed: %w", err)
	}

	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		w, ok := parseWindow(line)
		if !ok || w.Name == c.mainWindow {
			continue
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// FindWindow returns the window with the given id.
func (c *Client) FindWindow(windowID string) (Window, error) {
	windows, err := c.ListWindows()
	if err != nil {
		return Window{}, err
	}
	for _, w := range windows {
		if w.ID == windowID {
			return w, nil
		}
	}
	return Window{}, fmt.Errorf("%w: %s", ErrNoWindow, windowID)
}

// NewWindow creates a detached window in the managed session and returns it.
func (c *Client) NewWindow(name, workDir string) (Window, error) {
	args := []string{"new-window", "-d", "-P", "-F", windowFormat, "-t", c.sessionName + ":", "-n", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	output, err := c.runWithOutput(args, nil)
	if err != nil {
		return Window{}, err
	}
	w, ok := parseWindow(strings.TrimSpace(string(output)))
	if !ok {
		return Window{}, fmt.Errorf("unexpected tmux new-window output: %q", output)
	}
	return w, nil
}

// KillWindow terminates a window.
func (c *Client) KillWindow(windowID string) error {
	return c.run([]string{"kill-window", "-t", windowID}, nil)
}

// SendText types text into the target and presses Enter. Single lines use
// literal send-keys; multi-line text goes through a paste buffer with
// bracketed paste so the assistant receives it as one prompt.
func (c *Client) SendText(target, text string) error {
	if strings.Contains(text, "\n") {
		if err := c.run([]string{"load-buffer", "-b", pasteBufferName, "-"}, []byte(text)); err != nil {
			return err
		}
		if err := c.run([]string{"paste-buffer", "-d", "-p", "-b", pasteBufferName, "-t", target}, nil); err != nil {
			return err
		}
	} else if text != "" {
		if err := c.run([]string{"send-keys", "-t", target, "-l", "--", text}, nil); err != nil {
			return err
		}
	}
	return c.SendKeys(target, "Enter")
}

// SendKeys sends named keys (Enter, Escape, C-c, ...) to a target pane.
func (c *Client) SendKeys(target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target, "--"}, keys...)
	return c.run(args, nil)
}

// CapturePane captures the visible pane contents as text.
func (c *Client) CapturePane(target string) (string, error) {
	output, err := c.runWithOutput([]string{"capture-pane", "-p", "-J", "-t", target}, nil)
	if err != nil {
		return "", err
	}
	return string(output), nil
}

// WindowForPane resolves the window that owns a pane id.
func (c *Client) WindowForPane(paneID string) (string, error) {
	output, err := c.runWithOutput([]string{"display-message", "-p", "-t", paneID, "#{window_id}"}, nil)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(output))
	if id == "" {
		return "", fmt.Errorf("%w: pane %s", ErrNoWindow, paneID)
	}
	return id, nil
}

// AttachArgs returns the tmux argv that brings a window to the foreground:
// switch-client when already inside tmux, attach-session otherwise.
func (c *Client) AttachArgs(windowID string) []string {
	target := c.sessionName + ":" + windowID
	if os.Getenv("TMUX") != "" {
		return []string{"tmux", "switch-client", "-t", target}
	}
	return []string{"tmux", "attach-session", "-t", target}
}

// UniqueName appends -2, -3, ... until name does not collide with existing.
func UniqueName(name string, existing []Window) string {
	taken := make(map[string]bool, len(existing))
	for _, w := range existing {
		taken[w.Name] = true
	}
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func parseWindow(line string) (Window, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return Window{}, false
	}
	parts := strings.SplitN(line, "\t", 4)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "@") {
		return Window{}, false
	}
	w := Window{ID: parts[0], Name: parts[1]}
	if len(parts) > 2 {
		w.PaneID = parts[2]
	}
	if len(parts) > 3 {
		w.Path = parts[3]
	}
	return w, true
}

// missingSession reports whether tmux output means there is no server or no
// managed session, as opposed to a failed command.
func missingSession(output []byte) bool {
	msg := string(output)
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "error connecting to")
}

func (c *Client) run(args []string, input []byte) error {
	_, err := c.runWithOutput(args, input)
	return err
}

func (c *Client) runWithOutput(args []string, input []byte) ([]byte, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run(args, input)
	if err != nil {
		if len(output) > 0 {
			return nil, fmt.Errorf("tmux %s failed: %s", args[0], bytes.TrimSpace(output))
		}
		return nil, fmt.Errorf("tmux %s failed: %w", args[0], err)
	}
	return output, nil
}

type execRunner struct{}

func (execRunner) Run(args []string, input []byte) ([]byte, error) {
	cmd := exec.Command("tmux", args...)
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}
	return cmd.CombinedOutput()
}
