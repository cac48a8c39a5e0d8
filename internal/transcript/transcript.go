// Package transcript reads Claude Code session JSONL files incrementally and
// extracts the assistant's text replies.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sjoeboo/ccbot/internal/logging"
)

var transcriptLog = logging.ForComponent(logging.CompMonitor)

// maxLineBytes bounds a single JSONL line; tool results can be large.
const maxLineBytes = 10 * 1024 * 1024

// Entry is one decoded transcript line.
type Entry struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	CWD       string  `json:"cwd"`
	Message   message `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

// ParseLine decodes one JSONL line. Blank and malformed lines return false.
func ParseLine(line []byte) (Entry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// IsAssistant reports whether the entry was written by the assistant.
func (e Entry) IsAssistant() bool { return e.Type == "assistant" }

// Text returns only the text blocks of the entry, joined by newlines.
// Thinking, tool use and tool results are skipped.
func (e Entry) Text() string {
	return render(e.Message.Content, false)
}

// Render is like Text but shows tool invocations as "[Tool: name]".
func (e Entry) Render() string {
	return render(e.Message.Content, true)
}

func render(raw json.RawMessage, withTools bool) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var parts []string
	for _, item := range items {
		if err := json.Unmarshal(item, &s); err == nil {
			parts = append(parts, s)
			continue
		}
		var b block
		if err := json.Unmarshal(item, &b); err != nil {
			continue
		}
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			if withTools {
				name := b.Name
				if name == "" {
					name = "unknown"
				}
				parts = append(parts, fmt.Sprintf("[Tool: %s]", name))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// ReadFrom returns the entries of every complete line after offset and the
// offset just past the last complete line. A trailing partial line is left
// for the next call. A file shorter than offset has been truncated or
// replaced and is read again from the start.
func ReadFrom(path string, offset int64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if offset < 0 || info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	var entries []Entry
	pos := offset
	for {
		line, n, err := readLine(reader)
		if err == io.EOF {
			// partial or empty tail; pos stays at the last newline
			break
		}
		if err != nil {
			return entries, pos, err
		}
		if line == nil {
			transcriptLog.Warn("transcript_line_skipped",
				slog.String("path", path),
				slog.Int64("offset", pos),
				slog.Int64("bytes", n))
		} else if e, ok := ParseLine(line); ok {
			entries = append(entries, e)
		}
		pos += n
	}
	return entries, pos, nil
}

// readLine returns one newline-terminated line including the newline and the
// number of bytes consumed, or io.EOF when no complete line remains. A line
// longer than maxLineBytes is consumed without being kept: line is nil.
func readLine(r *bufio.Reader) (line []byte, n int64, err error) {
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		n += int64(len(chunk))
		if !oversized {
			line = append(line, chunk...)
			if len(line) > maxLineBytes {
				oversized, line = true, nil
			}
		}
		switch err {
		case nil:
			return line, n, nil
		case bufio.ErrBufferFull:
			continue
		default:
			return nil, n, err
		}
	}
}

// AssistantTexts returns the non-empty text of each assistant entry.
func AssistantTexts(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		if !e.IsAssistant() {
			continue
		}
		if text := strings.TrimSpace(e.Text()); text != "" {
			out = append(out, text)
		}
	}
	return out
}

// Size returns the current length of the file, used to start reading a
// newly bound transcript at its end.
func Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

var projectDirRE = regexp.MustCompile(`[^a-zA-Z0-9]`)

// PathFor returns where Claude Code stores the transcript of sessionID
// started in cwd: <configDir>/projects/<cwd with separators dashed>/<id>.jsonl.
func PathFor(configDir, cwd, sessionID string) string {
	return filepath.Join(configDir, "projects", projectDirRE.ReplaceAllString(cwd, "-"), sessionID+".jsonl")
}
