package hookserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// hookURL is the URL template for the embedded hook server.
const hookURL = "http://127.0.0.1:%d/hooks"

// hookURLRE matches URLs of the form http://127.0.0.1:PORT/hooks.
var hookURLRE = regexp.MustCompile(`^http://127\.0\.0\.1:\d{1,5}/hooks$`)

// hookEvents are the Claude Code events ccbot subscribes to.
var hookEvents = []string{"SessionStart", "Stop"}

// hookEntry is the hook ccbot writes into Claude Code settings.
type hookEntry struct {
	Type           string            `json:"type"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	AllowedEnvVars []string          `json:"allowedEnvVars"`
	Timeout        int               `json:"timeout"`
}

// hookIdent holds the fields needed to recognise a ccbot hook. Other hooks
// stay raw so fields ccbot does not know about survive a rewrite.
type hookIdent struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// hookBlock is one matcher block of an event: "matcher", "hooks" and any
// other keys, kept raw.
type hookBlock map[string]json.RawMessage

func ccbotHook(port int) hookEntry {
	return hookEntry{
		Type:           "http",
		URL:            fmt.Sprintf(hookURL, port),
		Headers:        map[string]string{PaneHeader: "$TMUX_PANE"},
		AllowedEnvVars: []string{"TMUX_PANE"},
		Timeout:        5,
	}
}

// ccbotHookURL returns the URL of raw when it is a hook entry written by ccbot.
func ccbotHookURL(raw json.RawMessage) (string, bool) {
	var h hookIdent
	if json.Unmarshal(raw, &h) != nil {
		return "", false
	}
	if h.Type != "http" || !hookURLRE.MatchString(h.URL) {
		return "", false
	}
	if _, ok := h.Headers[PaneHeader]; !ok {
		return "", false
	}
	return h.URL, true
}

// InstallHooks writes ccbot's HTTP hooks into <configDir>/settings.json,
// preserving every other setting and user hook. Hooks for a different port
// are replaced. Returns true when the file changed.
func InstallHooks(configDir string, port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("invalid hook port %d", port)
	}
	settings, hooks, err := loadSettings(configDir)
	if err != nil {
		return false, err
	}

	changed := false
	for _, event := range hookEvents {
		updated := mergeHookEvent(removeCcbotFromEvent(hooks[event]), ccbotHook(port))
		if !jsonEqual(hooks[event], updated) {
			hooks[event] = updated
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	if err := writeSettings(configDir, settings, hooks); err != nil {
		return false, err
	}
	httpLog.Info("claude_hooks_installed", slog.String("config_dir", configDir), slog.Int("port", port))
	return true, nil
}

// RemoveHooks deletes ccbot's hooks from settings.json. Returns true when
// any were removed.
func RemoveHooks(configDir string) (bool, error) {
	settings, hooks, err := loadSettings(configDir)
	if err != nil {
		return false, err
	}

	removed := false
	for _, event := range hookEvents {
		raw, ok := hooks[event]
		if !ok {
			continue
		}
		cleaned := removeCcbotFromEvent(raw)
		if jsonEqual(raw, cleaned) {
			continue
		}
		removed = true
		if cleaned == nil {
			delete(hooks, event)
		} else {
			hooks[event] = cleaned
		}
	}
	if !removed {
		return false, nil
	}
	if err := writeSettings(configDir, settings, hooks); err != nil {
		return false, err
	}
	httpLog.Info("claude_hooks_removed", slog.String("config_dir", configDir))
	return true, nil
}

// HooksInstalled reports whether every ccbot hook is present for port.
func HooksInstalled(configDir string, port int) bool {
	_, hooks, err := loadSettings(configDir)
	if err != nil {
		return false
	}
	want := fmt.Sprintf(hookURL, port)
	for _, event := range hookEvents {
		found := false
		blocks, _ := decodeBlocks(hooks[event])
		for _, b := range blocks {
			for _, raw := range b.hooks() {
				if url, ok := ccbotHookURL(raw); ok && url == want {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// loadSettings reads settings.json as raw top-level keys plus the parsed
// hooks section. A missing file yields empty maps; a hooks key that is not
// an object is replaced.
func loadSettings(configDir string) (map[string]json.RawMessage, map[string]json.RawMessage, error) {
	settingsPath := filepath.Join(configDir, "settings.json")
	settings := make(map[string]json.RawMessage)

	data, err := os.ReadFile(settingsPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("read settings.json: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, nil, fmt.Errorf("parse settings.json: %w", err)
		}
	}

	hooks := make(map[string]json.RawMessage)
	if raw, ok := settings["hooks"]; ok {
		if err := json.Unmarshal(raw, &hooks); err != nil {
			hooks = make(map[string]json.RawMessage)
		}
	}
	return settings, hooks, nil
}

// writeSettings stores settings atomically through a temp file.
func writeSettings(configDir string, settings, hooks map[string]json.RawMessage) error {
	if len(hooks) == 0 {
		delete(settings, "hooks")
	} else {
		hooksRaw, err := json.Marshal(hooks)
		if err != nil {
			return fmt.Errorf("marshal hooks: %w", err)
		}
		settings["hooks"] = hooksRaw
	}

	finalData, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	settingsPath := filepath.Join(configDir, "settings.json")
	tmpPath := settingsPath + ".tmp"
	if err := os.WriteFile(tmpPath, finalData, 0644); err != nil {
		return fmt.Errorf("write settings.json.tmp: %w", err)
	}
	if err := os.Rename(tmpPath, settingsPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename settings.json: %w", err)
	}
	return nil
}

func decodeBlocks(raw json.RawMessage) ([]hookBlock, error) {
	if raw == nil {
		return nil, nil
	}
	var blocks []hookBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// hooks returns the block's hook entries, or nil when they do not parse.
func (b hookBlock) hooks() []json.RawMessage {
	var entries []json.RawMessage
	if json.Unmarshal(b["hooks"], &entries) != nil {
		return nil
	}
	return entries
}

func (b hookBlock) matcher() string {
	var m string
	if json.Unmarshal(b["matcher"], &m) != nil {
		return ""
	}
	return m
}

func (b hookBlock) setHooks(entries []json.RawMessage) {
	raw, _ := json.Marshal(entries)
	b["hooks"] = raw
}

// removeCcbotFromEvent drops ccbot entries from an event's matcher array.
// Blocks left without hooks are removed; nil means nothing remains.
// Unparseable input is returned unchanged.
func removeCcbotFromEvent(raw json.RawMessage) json.RawMessage {
	blocks, err := decodeBlocks(raw)
	if err != nil || blocks == nil {
		return raw
	}

	removed := false
	var cleaned []hookBlock
	for _, b := range blocks {
		entries := b.hooks()
		var kept []json.RawMessage
		for _, h := range entries {
			if _, ok := ccbotHookURL(h); ok {
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == len(entries) {
			cleaned = append(cleaned, b)
			continue
		}
		removed = true
		if len(kept) > 0 {
			b.setHooks(kept)
			cleaned = append(cleaned, b)
		}
	}
	if !removed {
		return raw
	}
	if len(cleaned) == 0 {
		return nil
	}
	result, _ := json.Marshal(cleaned)
	return result
}

// mergeHookEvent appends hook to the matcher-less block of an event,
// creating the block when missing. Other blocks and hooks are preserved.
func mergeHookEvent(existing json.RawMessage, hook hookEntry) json.RawMessage {
	entry, _ := json.Marshal(hook)
	blocks, _ := decodeBlocks(existing)
	for _, b := range blocks {
		if b.matcher() == "" {
			b.setHooks(append(b.hooks(), entry))
			result, _ := json.Marshal(blocks)
			return result
		}
	}
	b := hookBlock{}
	b.setHooks([]json.RawMessage{entry})
	result, _ := json.Marshal(append(blocks, b))
	return result
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	ma, _ := json.Marshal(va)
	mb, _ := json.Marshal(vb)
	return bytes.Equal(ma, mb)
}
