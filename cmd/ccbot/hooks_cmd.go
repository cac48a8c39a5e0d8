package main

import (
	"fmt"
	"os"

	"github.com/sjoeboo/ccbot/internal/config"
	"github.com/sjoeboo/ccbot/internal/hookserver"
)

func handleHooks(args []string) {
	if len(args) == 0 {
		printHooksHelp()
		os.Exit(1)
	}

	cfg := loadConfig()
	out, err := runHooks(cfg, args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		if out == "" {
			printHooksHelp()
		}
		os.Exit(1)
	}
	fmt.Println(out)
}

// runHooks performs one hooks action and returns the line to print.
func runHooks(cfg *config.Config, action string) (string, error) {
	dir := cfg.Claude.ConfigDir
	switch action {
	case "install":
		if !cfg.HooksEnabled() {
			return "disabled", fmt.Errorf("hook receiver is disabled (port %d)", cfg.Hooks.Port)
		}
		changed, err := hookserver.InstallHooks(dir, cfg.Hooks.Port)
		if err != nil {
			return "failed", err
		}
		if !changed {
			return fmt.Sprintf("Hooks already installed in %s", dir), nil
		}
		return fmt.Sprintf("Installed hooks for port %d in %s", cfg.Hooks.Port, dir), nil
	case "remove", "uninstall":
		removed, err := hookserver.RemoveHooks(dir)
		if err != nil {
			return "failed", err
		}
		if !removed {
			return fmt.Sprintf("No ccbot hooks in %s", dir), nil
		}
		return fmt.Sprintf("Removed hooks from %s", dir), nil
	case "status":
		if cfg.HooksEnabled() && hookserver.HooksInstalled(dir, cfg.Hooks.Port) {
			return fmt.Sprintf("installed (port %d, %s)", cfg.Hooks.Port, dir), nil
		}
		return fmt.Sprintf("not installed (%s)", dir), nil
	}
	return "", fmt.Errorf("unknown hooks action %q", action)
}

func printHooksHelp() {
	fmt.Println("Usage: ccbot hooks <install|remove|status>")
	fmt.Println()
	fmt.Println("Manage the Claude Code HTTP hooks that report session starts and")
	fmt.Println("finished turns to the bot (settings.json in the Claude config dir).")
}
