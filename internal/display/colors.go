package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color represents terminal color options
type Color int

const (
	ColorReset Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorCyan
	ColorWhite
	ColorBold
	ColorBrightRed
	ColorBrightGreen
	ColorBrightYellow
	ColorBrightBlue
)

// Theme defines the colors used for each kind of message
type Theme struct {
	Primary Color
	Success Color
	Warning Color
	Error   Color
	Info    Color
	Muted   Color
}

// DarkTheme is tuned for dark terminal backgrounds
func DarkTheme() Theme {
	return Theme{
		Primary: ColorBrightBlue,
		Success: ColorBrightGreen,
		Warning: ColorBrightYellow,
		Error:   ColorBrightRed,
		Info:    ColorCyan,
		Muted:   ColorWhite,
	}
}

// LightTheme is tuned for light terminal backgrounds
func LightTheme() Theme {
	return Theme{
		Primary: ColorBlue,
		Success: ColorGreen,
		Warning: ColorYellow,
		Error:   ColorRed,
		Info:    ColorCyan,
		Muted:   ColorReset,
	}
}

// ThemeByName returns a theme by name. "auto" asks the terminal for its
// background.
func ThemeByName(name string) Theme {
	switch name {
	case "light":
		return LightTheme()
	case "auto":
		if !termenv.HasDarkBackground() {
			return LightTheme()
		}
		return DarkTheme()
	default:
		return DarkTheme()
	}
}

// Palette applies colors when the output supports them
type Palette struct {
	theme   Theme
	enabled bool
	colors  map[Color]*color.Color
}

// NewPalette creates a palette. Colors are only used when enabled is true
// and the terminal supports them.
func NewPalette(theme Theme, enabled bool) *Palette {
	p := &Palette{
		theme:   theme,
		enabled: enabled && ColorSupported(os.Stdout),
		colors: map[Color]*color.Color{
			ColorReset:        color.New(color.Reset),
			ColorRed:          color.New(color.FgRed),
			ColorGreen:        color.New(color.FgGreen),
			ColorYellow:       color.New(color.FgYellow),
			ColorBlue:         color.New(color.FgBlue),
			ColorCyan:         color.New(color.FgCyan),
			ColorWhite:        color.New(color.FgWhite),
			ColorBold:         color.New(color.Bold),
			ColorBrightRed:    color.New(color.FgHiRed),
			ColorBrightGreen:  color.New(color.FgHiGreen),
			ColorBrightYellow: color.New(color.FgHiYellow),
			ColorBrightBlue:   color.New(color.FgHiBlue),
		},
	}
	for _, c := range p.colors {
		if p.enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// ColorSupported reports whether f is a color-capable terminal
func ColorSupported(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

// Enabled reports whether colors are applied
func (p *Palette) Enabled() bool {
	return p.enabled
}

// Theme returns the active theme
func (p *Palette) Theme() Theme {
	return p.theme
}

// Colorize applies c to text
func (p *Palette) Colorize(text string, c Color) string {
	if !p.enabled {
		return text
	}
	if fn, ok := p.colors[c]; ok {
		return fn.Sprint(text)
	}
	return text
}

// Sprintf formats and colors text
func (p *Palette) Sprintf(c Color, format string, args ...interface{}) string {
	return p.Colorize(fmt.Sprintf(format, args...), c)
}

func (p *Palette) Success(text string) string { return p.Colorize(text, p.theme.Success) }
func (p *Palette) Warning(text string) string { return p.Colorize(text, p.theme.Warning) }
func (p *Palette) Error(text string) string   { return p.Colorize(text, p.theme.Error) }
func (p *Palette) Info(text string) string    { return p.Colorize(text, p.theme.Info) }
func (p *Palette) Muted(text string) string   { return p.Colorize(text, p.theme.Muted) }
func (p *Palette) Bold(text string) string    { return p.Colorize(text, ColorBold) }
