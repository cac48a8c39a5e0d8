// Package ui holds the terminal window picker used by "ccbot attach".
package ui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"
)

// maxVisible is how many rows the picker shows at once.
const maxVisible = 12

// PickerItem is one tmux window offered by the picker.
type PickerItem struct {
	WindowID string
	Name     string
	WorkDir  string
	// Bound marks windows that are the current session of some chat.
	Bound bool
}

// pickerSource implements fuzzy.Source over picker items
type pickerSource []PickerItem

func (s pickerSource) String(i int) string { return s[i].Name + " " + s[i].WorkDir }

func (s pickerSource) Len() int { return len(s) }

// FilterItems returns the items matching query, best match first.
// An empty query returns every item in its original order.
func FilterItems(items []PickerItem, query string) []PickerItem {
	query = strings.TrimSpace(query)
	if query == "" {
		return append([]PickerItem(nil), items...)
	}
	matches := fuzzy.FindFrom(query, pickerSource(items))
	out := make([]PickerItem, 0, len(matches))
	for _, m := range matches {
		out = append(out, items[m.Index])
	}
	return out
}

// Picker is a bubbletea model: a filter input over a list of windows.
type Picker struct {
	items    []PickerItem
	filtered []PickerItem
	cursor   int
	input    textinput.Model
	chosen   *PickerItem
	width    int
}

// NewPicker creates a picker with the filter focused
func NewPicker(items []PickerItem) *Picker {
	ti := textinput.New()
	ti.Placeholder = "filter windows..."
	ti.CharLimit = 64
	ti.Width = 40
	ti.Focus()
	return &Picker{
		items:    items,
		filtered: FilterItems(items, ""),
		input:    ti,
	}
}

// Init implements tea.Model.
func (p *Picker) Init() tea.Cmd { return textinput.Blink }

// Update implements tea.Model.
func (p *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.width = msg.Width
		return p, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return p, tea.Quit
		case "enter":
			if len(p.filtered) > 0 {
				item := p.filtered[p.cursor]
				p.chosen = &item
			}
			return p, tea.Quit
		case "up", "ctrl+p":
			if p.cursor > 0 {
				p.cursor--
			}
			return p, nil
		case "down", "ctrl+n":
			if p.cursor < len(p.filtered)-1 {
				p.cursor++
			}
			return p, nil
		}
	}

	var cmd tea.Cmd
	before := p.input.Value()
	p.input, cmd = p.input.Update(msg)
	if p.input.Value() != before {
		p.filtered = FilterItems(p.items, p.input.Value())
		p.cursor = 0
	}
	return p, cmd
}

// Selected returns the confirmed item, if any.
func (p *Picker) Selected() (PickerItem, bool) {
	if p.chosen == nil {
		return PickerItem{}, false
	}
	return *p.chosen, true
}

// View implements tea.Model.
func (p *Picker) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Attach to window"))
	b.WriteString("\n\n")
	b.WriteString(ItemStyle.Render("> "))
	b.WriteString(p.input.View())
	b.WriteString("\n\n")

	if len(p.filtered) == 0 {
		b.WriteString(EmptyStyle.Render("  no matching windows"))
		b.WriteString("\n")
	}

	start := 0
	if p.cursor >= maxVisible {
		start = p.cursor - maxVisible + 1
	}
	end := min(start+maxVisible, len(p.filtered))
	for i := start; i < end; i++ {
		b.WriteString(p.renderItem(p.filtered[i], i == p.cursor))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("↑/↓ move • Enter attach • Esc cancel • [T] current in a chat"))

	box := BoxStyle
	if p.width > 4 {
		box = box.MaxWidth(p.width)
	}
	return box.Render(b.String())
}

func (p *Picker) renderItem(item PickerItem, selected bool) string {
	marker, style := "  ", ItemStyle
	if selected {
		marker, style = "▶ ", SelectedStyle
	}
	tag := "    "
	if item.Bound {
		tag = BoundStyle.Render("[T]") + " "
	}
	return lipgloss.JoinHorizontal(lipgloss.Top,
		style.Render(marker),
		tag,
		style.Render(item.Name),
		DirStyle.Render("  "+item.WorkDir),
	)
}

// RunPicker shows the picker on the terminal and returns the chosen item.
// ok is false when the user cancelled.
func RunPicker(items []PickerItem) (item PickerItem, ok bool, err error) {
	final, err := tea.NewProgram(NewPicker(items)).Run()
	if err != nil {
		return PickerItem{}, false, err
	}
	item, ok = final.(*Picker).Selected()
	return item, ok, nil
}
