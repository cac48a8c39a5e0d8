package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/sjoeboo/ccbot/internal/config"
	"github.com/sjoeboo/ccbot/internal/session"
	"github.com/sjoeboo/ccbot/internal/store"
	"github.com/sjoeboo/ccbot/internal/tmux"
	"github.com/sjoeboo/ccbot/internal/ui"
)

// errNoWindows is returned by chooseWindow when nothing can be attached.
var errNoWindows = errors.New("no session windows")

// openRegistry opens the shared state and a tmux client for CLI use.
func openRegistry(cfg *config.Config) (*session.Registry, *tmux.Client, *store.Store, error) {
	initLogging(cfg, false)
	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, nil, nil, err
	}
	client := tmux.NewClient(cfg.Tmux.SessionName, cfg.Tmux.MainWindow)
	reg := session.NewRegistry(client, st, session.Options{
		Command:         cfg.Claude.Command,
		MainWindow:      cfg.Tmux.MainWindow,
		ClaudeConfigDir: cfg.Claude.ConfigDir,
	})
	return reg, client, st, nil
}

// attachWindow replaces the process with tmux focused on windowID.
func attachWindow(tmuxPath string, client *tmux.Client, windowID string) error {
	return syscall.Exec(tmuxPath, client.AttachArgs(windowID), os.Environ())
}

func handleNew(args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	name := fs.String("name", "", "Window name (defaults to folder name)")
	nameShort := fs.String("n", "", "Window name (short)")
	noAttach := fs.Bool("no-attach", false, "Create the window without attaching")

	fs.Usage = func() {
		fmt.Println("Usage: ccbot new [dir] [options]")
		fmt.Println()
		fmt.Println("Create a Claude Code window in the managed tmux session.")
		fmt.Println()
		fmt.Println("Arguments:")
		fmt.Println("  [dir]    Working directory (default: current directory)")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  ccbot new")
		fmt.Println("  ccbot new ~/src/api -n api")
		fmt.Println("  ccbot new . --no-attach")
	}

	dir, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if dir == "" {
		dir = "."
	}
	windowName := *name
	if *nameShort != "" {
		windowName = *nameShort
	}

	tmuxPath := requireTmux()
	cfg := loadConfig()
	reg, client, st, err := openRegistry(cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	s, err := reg.Create(context.Background(), 0, dir, windowName)
	st.Close()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created %s (%s) in %s\n", s.Name, s.WindowID, s.WorkDir)

	if *noAttach {
		return
	}
	if err := attachWindow(tmuxPath, client, s.WindowID); err != nil {
		fmt.Printf("Error: attach: %v\n", err)
		os.Exit(1)
	}
}

func handleAttach(args []string) {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Println("Usage: ccbot attach [query]")
		fmt.Println()
		fmt.Println("Attach to a session window. With one window it attaches directly,")
		fmt.Println("with a query it picks the best fuzzy match, otherwise it opens a picker.")
		fmt.Println("Windows marked [T] are the current session of a Telegram chat.")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	tmuxPath := requireTmux()
	cfg := loadConfig()
	reg, client, st, err := openRegistry(cfg)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	sessions, err := reg.List(ctx)
	var bound map[string]bool
	if err == nil {
		bound, err = reg.BoundWindows(ctx)
	}
	st.Close()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	items := pickerItems(sessions, bound)
	item, pick, err := chooseWindow(items, fs.Arg(0))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if pick {
		var ok bool
		item, ok, err = ui.RunPicker(items)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			return
		}
	}

	if err := attachWindow(tmuxPath, client, item.WindowID); err != nil {
		fmt.Printf("Error: attach: %v\n", err)
		os.Exit(1)
	}
}

// parseInterspersed parses flags on either side of a single positional
// argument and returns that argument.
func parseInterspersed(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", nil
	}
	pos := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return pos, nil
}

func pickerItems(sessions []session.Session, bound map[string]bool) []ui.PickerItem {
	items := make([]ui.PickerItem, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, ui.PickerItem{
			WindowID: s.WindowID,
			Name:     s.Name,
			WorkDir:  s.WorkDir,
			Bound:    bound[s.WindowID],
		})
	}
	return items
}

// chooseWindow resolves an attach target without a terminal UI when it can.
// pick is true when the interactive picker is needed.
func chooseWindow(items []ui.PickerItem, query string) (item ui.PickerItem, pick bool, err error) {
	if len(items) == 0 {
		return ui.PickerItem{}, false, errNoWindows
	}
	if query != "" {
		matches := ui.FilterItems(items, query)
		if len(matches) == 0 {
			return ui.PickerItem{}, false, fmt.Errorf("no window matches %q", query)
		}
		return matches[0], false, nil
	}
	if len(items) == 1 {
		return items[0], false, nil
	}
	return ui.PickerItem{}, true, nil
}
