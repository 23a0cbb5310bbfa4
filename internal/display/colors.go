package display

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color names a terminal color
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
	ColorBrightCyan
)

// ColorTheme maps message levels to colors
type ColorTheme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkColorTheme returns a theme for dark terminals
func DarkColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightColorTheme returns a theme for light terminals
func LightColorTheme() ColorTheme {
	return ColorTheme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorReset,
	}
}

// PlainTextTheme uses no colors
func PlainTextTheme() ColorTheme {
	return ColorTheme{}
}

// ThemeByName returns the theme called name, dark by default
func ThemeByName(name string) ColorTheme {
	switch name {
	case "light":
		return LightColorTheme()
	case "plain", "none":
		return PlainTextTheme()
	default:
		return DarkColorTheme()
	}
}

var colorMap = map[Color]*color.Color{
	ColorReset:        color.New(color.Reset),
	ColorRed:          color.New(color.FgRed),
	ColorGreen:        color.New(color.FgGreen),
	ColorYellow:       color.New(color.FgYellow),
	ColorBlue:         color.New(color.FgBlue),
	ColorCyan:         color.New(color.FgCyan),
	ColorWhite:        color.New(color.FgWhite),
	ColorBrightRed:    color.New(color.FgHiRed),
	ColorBrightGreen:  color.New(color.FgHiGreen),
	ColorBrightYellow: color.New(color.FgHiYellow),
	ColorBrightBlue:   color.New(color.FgHiBlue),
	ColorBrightCyan:   color.New(color.FgHiCyan),
}

// DetectColorSupport reports whether f is a terminal that renders colors
func DetectColorSupport(f *os.File) bool {
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

func colorize(text string, c Color, enabled bool) string {
	if !enabled || c == ColorReset {
		return text
	}
	clr, ok := colorMap[c]
	if !ok {
		return text
	}
	// fatih/color honours the global NoColor switch, which is set for
	// non-terminal stdout; the printer decides on its own
	clr.EnableColor()
	return clr.Sprint(text)
}
