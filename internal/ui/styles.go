package ui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Theme represents the current color scheme
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// ThemeEnv selects the picker palette ("dark" or "light").
const ThemeEnv = "CCBOT_THEME"

var currentTheme Theme = ThemeDark

type palette struct {
	Border, Text, TextDim, Accent lipgloss.Color
	Cyan, Green, Red, Comment     lipgloss.Color
}

// Dark Theme - Oasis Lagoon
var darkColors = palette{
	Border:  lipgloss.Color("#264870"),
	Text:    lipgloss.Color("#D9E6FA"),
	TextDim: lipgloss.Color("#8FB0D0"),
	Accent:  lipgloss.Color("#58B8FD"),
	Cyan:    lipgloss.Color("#68C0B6"),
	Green:   lipgloss.Color("#53D390"),
	Red:     lipgloss.Color("#FF7979"),
	Comment: lipgloss.Color("#4D88A7"),
}

// Light Theme - Oasis Dawn
var lightColors = palette{
	Border:  lipgloss.Color("#B2DCFE"),
	Text:    lipgloss.Color("#10426d"),
	TextDim: lipgloss.Color("#1f3f71"),
	Accent:  lipgloss.Color("#1670AD"),
	Cyan:    lipgloss.Color("#064658"),
	Green:   lipgloss.Color("#1b491d"),
	Red:     lipgloss.Color("#663021"),
	Comment: lipgloss.Color("#0D4266"),
}

// Active colors (set by InitTheme)
var (
	ColorBorder  lipgloss.Color
	ColorText    lipgloss.Color
	ColorTextDim lipgloss.Color
	ColorAccent  lipgloss.Color
	ColorCyan    lipgloss.Color
	ColorGreen   lipgloss.Color
	ColorRed     lipgloss.Color
	ColorComment lipgloss.Color
)

// Picker styles
var (
	TitleStyle    lipgloss.Style
	ItemStyle     lipgloss.Style
	SelectedStyle lipgloss.Style
	DirStyle      lipgloss.Style
	BoundStyle    lipgloss.Style
	HelpStyle     lipgloss.Style
	EmptyStyle    lipgloss.Style
	BoxStyle      lipgloss.Style
)

var themeMu sync.RWMutex

// InitTheme sets the active palette. Anything but "light" selects dark.
func InitTheme(theme string) {
	themeMu.Lock()
	defer themeMu.Unlock()

	p := darkColors
	currentTheme = ThemeDark
	if theme == string(ThemeLight) {
		p = lightColors
		currentTheme = ThemeLight
	}
	ColorBorder = p.Border
	ColorText = p.Text
	ColorTextDim = p.TextDim
	ColorAccent = p.Accent
	ColorCyan = p.Cyan
	ColorGreen = p.Green
	ColorRed = p.Red
	ColorComment = p.Comment
	initStyles()
}

// GetCurrentTheme returns the active theme
func GetCurrentTheme() Theme {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return currentTheme
}

func init() {
	InitTheme("dark")
}

func initStyles() {
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorCyan)
	ItemStyle = lipgloss.NewStyle().Foreground(ColorText)
	SelectedStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	DirStyle = lipgloss.NewStyle().Foreground(ColorTextDim)
	BoundStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorGreen)
	HelpStyle = lipgloss.NewStyle().Foreground(ColorComment)
	EmptyStyle = lipgloss.NewStyle().Italic(true).Foreground(ColorRed)
	BoxStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)
}
