// Package display renders command output as colored text, tables, JSON or YAML.
package display

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// OutputFormat selects how structured output is rendered
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ValidFormats lists the accepted output formats
var ValidFormats = []string{string(FormatTable), string(FormatJSON), string(FormatYAML)}

// Config controls a Printer
type Config struct {
	Format OutputFormat
	Color  bool
	Theme  ColorTheme
	Quiet  bool
	Writer io.Writer
	Input  io.Reader
	// MaxWidth caps table width; 0 means the terminal width
	MaxWidth int
}

// Printer writes user facing output
type Printer struct {
	cfg    Config
	reader *bufio.Reader
}

// NewPrinter creates a printer, filling unset fields from the process terminal
func NewPrinter(cfg Config) *Printer {
	if cfg.Format == "" {
		cfg.Format = FormatTable
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = terminalWidth()
	}
	return &Printer{cfg: cfg, reader: bufio.NewReader(cfg.Input)}
}

// Structured reports whether output is machine readable
func (p *Printer) Structured() bool {
	return p.cfg.Format == FormatJSON || p.cfg.Format == FormatYAML
}

func (p *Printer) message(c Color, prefix, msg string) {
	if p.cfg.Quiet || p.Structured() {
		return
	}
	fmt.Fprintln(p.cfg.Writer, colorize(prefix+msg, c, p.cfg.Color))
}

// Success prints a success message
func (p *Printer) Success(msg string) { p.message(p.cfg.Theme.Success, "✓ ", msg) }

// Info prints an informational message
func (p *Printer) Info(msg string) { p.message(p.cfg.Theme.Info, "", msg) }

// Warning prints a warning
func (p *Printer) Warning(msg string) { p.message(p.cfg.Theme.Warning, "! ", msg) }

// Error prints an error; it is shown even in quiet mode
func (p *Printer) Error(msg string) {
	if p.Structured() {
		return
	}
	fmt.Fprintln(p.cfg.Writer, colorize("✗ "+msg, p.cfg.Theme.Error, p.cfg.Color))
}

// Data renders v as JSON or YAML. In table format it does nothing and
// returns false so the caller can print a table instead.
func (p *Printer) Data(v interface{}) (bool, error) {
	switch p.cfg.Format {
	case FormatJSON:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return true, fmt.Errorf("failed to marshal output to JSON: %w", err)
		}
		fmt.Fprintln(p.cfg.Writer, string(out))
		return true, nil
	case FormatYAML:
		enc := yaml.NewEncoder(p.cfg.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return true, fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		return true, enc.Close()
	default:
		return false, nil
	}
}

// Table prints rows under headers with aligned columns. The last column is
// truncated when the table would exceed the configured width.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := utf8.RuneCountInString(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}

	total := 0
	for _, w := range widths {
		total += w + 2
	}
	if last := len(widths) - 1; last >= 0 && p.cfg.MaxWidth > 0 && total > p.cfg.MaxWidth {
		widths[last] = max(widths[last]-(total-p.cfg.MaxWidth), 8)
	}

	line := func(cells []string, c Color) {
		var b strings.Builder
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = truncate(cells[i], w)
			}
			b.WriteString(cell)
			if i < len(widths)-1 {
				b.WriteString(strings.Repeat(" ", w-utf8.RuneCountInString(cell)+2))
			}
		}
		fmt.Fprintln(p.cfg.Writer, colorize(b.String(), c, p.cfg.Color))
	}

	line(headers, p.cfg.Theme.Primary)
	for _, row := range rows {
		line(row, ColorReset)
	}
}

// Confirm asks a yes/no question; autoApprove answers yes without asking
func (p *Printer) Confirm(question string, autoApprove bool) (bool, error) {
	if autoApprove {
		return true, nil
	}
	for {
		fmt.Fprint(p.cfg.Writer, colorize(question+" [y/N]: ", p.cfg.Theme.Warning, p.cfg.Color))
		input, err := p.reader.ReadString('\n')
		if err != nil && (err != io.EOF || input == "") {
			if err == io.EOF {
				return false, nil
			}
			return false, fmt.Errorf("failed to read input: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		default:
			fmt.Fprintf(p.cfg.Writer, "Invalid input '%s'. Please enter 'y' or 'n'.\n", strings.TrimSpace(input))
		}
	}
}

func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	if width <= 3 {
		return string([]rune(s)[:width])
	}
	return string([]rune(s)[:width-3]) + "..."
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
