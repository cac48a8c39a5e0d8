package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/sjoeboo/ccbot/internal/config"
	"github.com/sjoeboo/ccbot/internal/logging"
	"github.com/sjoeboo/ccbot/internal/ui"
)

const Version = "0.3.0"

// ColorEnv overrides the terminal color profile.
const ColorEnv = "CCBOT_COLOR"

func init() {
	initColorProfile()
	ui.InitTheme(os.Getenv(ui.ThemeEnv))
}

// initColorProfile configures lipgloss for the picker. Tmux often under-reports
// capabilities, so known terminals are treated as TrueColor.
func initColorProfile() {
	lipgloss.SetColorProfile(colorProfileFor(os.Getenv(ColorEnv), os.Getenv("COLORTERM"), os.Getenv("TERM")))
}

// colorProfileFor picks a profile from CCBOT_COLOR (truecolor, 256, 16, none),
// then COLORTERM, then TERM.
func colorProfileFor(override, colorTerm, term string) termenv.Profile {
	switch strings.ToLower(override) {
	case "truecolor", "true", "24bit":
		return termenv.TrueColor
	case "256", "ansi256":
		return termenv.ANSI256
	case "16", "ansi", "basic":
		return termenv.ANSI
	case "none", "off", "ascii":
		return termenv.Ascii
	}

	if colorTerm == "truecolor" || colorTerm == "24bit" {
		return termenv.TrueColor
	}

	trueColorTerms := []string{
		"xterm-256color",
		"screen-256color",
		"tmux-256color",
		"xterm-direct",
		"alacritty",
		"kitty",
		"wezterm",
	}
	for _, t := range trueColorTerms {
		if strings.Contains(term, t) {
			return termenv.TrueColor
		}
	}
	if strings.Contains(term, "256") {
		return termenv.ANSI256
	}
	return termenv.ANSI
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		handleRun(nil)
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("ccbot v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		handleRun(args[1:])
	case "new":
		handleNew(args[1:])
	case "attach", "a":
		handleAttach(args[1:])
	case "hooks":
		handleHooks(args[1:])
	default:
		fmt.Printf("Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// loadConfig loads config or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// initLogging sends logs to the rotated file, and to stderr when the bot runs
// in the foreground.
func initLogging(cfg *config.Config, stderr bool) {
	logging.Init(logging.Config{
		LogDir:     cfg.Dir,
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Stderr:     stderr,
	})
}

// requireTmux exits when tmux is missing and returns its path otherwise.
func requireTmux() string {
	path, err := exec.LookPath("tmux")
	if err != nil {
		fmt.Println("Error: tmux not found in PATH")
		fmt.Println("\nccbot requires tmux. Install with:")
		fmt.Println("  brew install tmux   # or your distro's package manager")
		os.Exit(1)
	}
	return path
}

func printHelp() {
	fmt.Printf("ccbot v%s\n", Version)
	fmt.Println("Telegram bridge for Claude Code sessions running in tmux")
	fmt.Println()
	fmt.Println("Usage: ccbot [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none), run        Start the bot")
	fmt.Println("  new [dir]          Create a session window and attach to it")
	fmt.Println("  attach [query]     Attach to a session window")
	fmt.Println("  hooks <action>     Manage Claude Code hooks (install, remove, status)")
	fmt.Println("  version            Show version")
	fmt.Println("  help               Show this help")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  TELEGRAM_BOT_TOKEN   Bot token from @BotFather")
	fmt.Println("  ALLOWED_USERS        Comma-separated Telegram user IDs")
	fmt.Println("  TMUX_SESSION_NAME    Managed tmux session (default: ccbot)")
	fmt.Println("  CLAUDE_COMMAND       Command typed into new windows (default: claude)")
	fmt.Println("  CCBOT_DIR            Config and state directory (default: ~/.ccbot)")
	fmt.Println("  CCBOT_HOOK_PORT      Hook receiver port, negative disables (default: 8787)")
	fmt.Println("  CCBOT_COLOR          truecolor, 256, 16 or none")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  ccbot                       # Start the bot")
	fmt.Println("  ccbot new ~/src/api -n api  # New window named 'api'")
	fmt.Println("  ccbot attach web            # Fuzzy-match a window and attach")
	fmt.Println("  ccbot hooks install")
}
