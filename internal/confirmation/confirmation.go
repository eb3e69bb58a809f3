// Package confirmation asks the operator to acknowledge diff findings and
// to signal when an external step has finished.
package confirmation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"migration-guard/internal/diff"
	"migration-guard/internal/display"
	"migration-guard/internal/errors"

	"golang.org/x/term"
)

// Prompter is the production confirm callback for diff.Resolve. One
// prompter owns its input; a single goroutine reads it one line ahead at
// most, so a prompt abandoned on cancellation hands its line to the next one.
type Prompter struct {
	reader      *bufio.Reader
	out         io.Writer
	printer     *display.Printer
	interactive bool
	autoApprove bool
	skipPause   bool

	readOnce sync.Once
	lines    chan reply
	readErr  error
}

type reply struct {
	line string
	err  error
}

// NewPrompter creates a prompter reading answers from in
func NewPrompter(in io.Reader, out io.Writer, printer *display.Printer) *Prompter {
	if printer == nil {
		printer = display.NewPrinter(display.Config{Writer: out})
	}
	return &Prompter{
		reader:      bufio.NewReader(in),
		out:         out,
		printer:     printer,
		interactive: true,
		lines:       make(chan reply),
	}
}

// NewTerminalPrompter prompts on stdin/stdout. When stdin is not a terminal
// every prompt fails instead of reading from a pipe.
func NewTerminalPrompter(printer *display.Printer) *Prompter {
	p := NewPrompter(os.Stdin, os.Stdout, printer)
	p.interactive = term.IsTerminal(int(os.Stdin.Fd()))
	return p
}

// WithAutoApprove acknowledges every finding without reading input. The
// operator pause is not affected.
func (p *Prompter) WithAutoApprove(approve bool) *Prompter {
	p.autoApprove = approve
	return p
}

// WithSkipPause makes WaitForOperator return at once
func (p *Prompter) WithSkipPause(skip bool) *Prompter {
	p.skipPause = skip
	return p
}

// Confirm shows one finding and waits for the operator's answer. Data-loss
// findings need the full word "yes"; other findings accept "y". Context
// cancellation while waiting returns the context error.
func (p *Prompter) Confirm(ctx context.Context, f diff.Finding) (bool, error) {
	p.printf("\n%s\n", p.headline(f))

	if p.autoApprove {
		p.printer.Warning(fmt.Sprintf("auto-acknowledged %s finding on %s", f.Severity, f.Table))
		return true, nil
	}
	if !p.interactive {
		return false, errors.NewAppError(errors.ErrorTypeValidation,
			fmt.Sprintf("cannot confirm %s finding on %s: stdin is not a terminal (use --yes to acknowledge)", f.Severity, f.Table), nil)
	}

	for {
		answer, err := p.ask(ctx, p.question(f))
		if err != nil {
			return false, err
		}

		switch answer {
		case "yes":
			return true, nil
		case "y":
			if f.Severity == diff.SeverityDataLoss {
				p.printf("Data loss must be acknowledged by typing 'yes'.\n")
				continue
			}
			return true, nil
		case "n", "no", "":
			return false, nil
		case "d", "details":
			p.printf("%s\n", p.printer.Finding(f))
		default:
			p.printf("Invalid input '%s'. Please enter 'yes', 'no', or 'd' for details.\n", answer)
		}
	}
}

// WaitForOperator blocks until the operator presses enter
func (p *Prompter) WaitForOperator(ctx context.Context, message string) error {
	if p.skipPause {
		return nil
	}
	if !p.interactive {
		return errors.NewAppError(errors.ErrorTypeValidation,
			"cannot pause for the operator: stdin is not a terminal (configure an upgrade command)", nil)
	}
	_, err := p.ask(ctx, message+" [enter]: ")
	return err
}

func (p *Prompter) headline(f diff.Finding) string {
	text := fmt.Sprintf("[%s] %s: %s", f.Severity, f.Table, f.Message)
	if f.AccountsLost > 0 {
		text = fmt.Sprintf("%s\n%d ACCOUNT(S) WILL BE LOST", text, f.AccountsLost)
	}
	switch f.Severity {
	case diff.SeverityDataLoss:
		return p.printer.Palette().Error(text)
	case diff.SeverityWarning:
		return p.printer.Palette().Warning(text)
	default:
		return text
	}
}

func (p *Prompter) question(f diff.Finding) string {
	if f.Severity == diff.SeverityDataLoss {
		return p.printer.Palette().Bold("Acknowledge this data loss and continue? [yes/N/d]: ")
	}
	return p.printer.Palette().Bold("Acknowledge this change and continue? [y/N/d]: ")
}

// ask prints the question and reads one line, giving up when ctx is done
func (p *Prompter) ask(ctx context.Context, question string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.readErr != nil {
		return "", fmt.Errorf("failed to read input: %w", p.readErr)
	}
	p.printf("%s", question)

	p.readOnce.Do(func() { go p.readLines() })

	select {
	case <-ctx.Done():
		p.printf("\n")
		return "", ctx.Err()
	case r := <-p.lines:
		if r.err != nil {
			p.readErr = r.err
			if r.err != io.EOF || r.line == "" {
				return "", fmt.Errorf("failed to read input: %w", r.err)
			}
		}
		return strings.ToLower(strings.TrimSpace(r.line)), nil
	}
}

// readLines feeds lines to ask until the input fails
func (p *Prompter) readLines() {
	for {
		line, err := p.reader.ReadString('\n')
		p.lines <- reply{line, err}
		if err != nil {
			return
		}
	}
}

func (p *Prompter) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}
