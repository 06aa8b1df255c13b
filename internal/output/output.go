// Package output renders console and viewer results as aligned tables,
// JSON, or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatJSON:
		return p.printJSON(data)
	case FormatYAML:
		return p.printYAML(data)
	default:
		// Table and Wide are handled by specific methods
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// stateColor picks the color a lifecycle state renders in.
func (p *Printer) stateColor(state string) string {
	switch state {
	case "permitted":
		return Green
	case "denied":
		return Red
	case "scanned":
		return Yellow
	default:
		return Gray
	}
}

// RequestRow represents a rating request in table output
type RequestRow struct {
	ID      int64  `json:"id" yaml:"id"`
	Domain  string `json:"domain" yaml:"domain"`
	State   string `json:"state" yaml:"state"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Created string `json:"created" yaml:"created"`
	Updated string `json:"updated,omitempty" yaml:"updated,omitempty"`
}

// PrintRequests prints a request list
func (p *Printer) PrintRequests(rows []RequestRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No requests found")
		return nil
	}

	w := p.TableWriter()

	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tDOMAIN\tSTATE\tCOMMENT\tCREATED\tUPDATED"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "ID\tDOMAIN\tSTATE\tCREATED"))
	}

	for _, row := range rows {
		state := p.Colorize(p.stateColor(row.State), row.State)
		if p.format == FormatWide {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				row.ID,
				p.Colorize(Cyan, row.Domain),
				state,
				row.Comment,
				row.Created,
				row.Updated,
			)
		} else {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				row.ID,
				p.Colorize(Cyan, row.Domain),
				state,
				row.Created,
			)
		}
	}

	return w.Flush()
}

// DomainRow represents a rated domain in table output
type DomainRow struct {
	Name    string `json:"name" yaml:"name"`
	State   string `json:"state" yaml:"state"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Updated string `json:"updated" yaml:"updated"`
}

// PrintDomains prints a domain list
func (p *Printer) PrintDomains(rows []DomainRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No domains found")
		return nil
	}

	w := p.TableWriter()

	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "NAME\tSTATE\tCOMMENT\tUPDATED"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "NAME\tSTATE\tUPDATED"))
	}

	for _, row := range rows {
		state := p.Colorize(p.stateColor(row.State), row.State)
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.Name), state, row.Comment, row.Updated)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				p.Colorize(Cyan, row.Name), state, row.Updated)
		}
	}

	return w.Flush()
}

// WorkerRow represents a connected worker in table output
type WorkerRow struct {
	Kind      string `json:"kind" yaml:"kind"`
	Addr      string `json:"addr" yaml:"addr"`
	Session   string `json:"session" yaml:"session"`
	Connected string `json:"connected" yaml:"connected"`
	Task      string `json:"task,omitempty" yaml:"task,omitempty"`
}

// PrintWorkers prints connected worker sessions
func (p *Printer) PrintWorkers(rows []WorkerRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No workers connected")
		return nil
	}

	w := p.TableWriter()
	fmt.Fprintln(w, p.Colorize(Bold, "KIND\tADDR\tCONNECTED\tTASK"))

	for _, row := range rows {
		task := row.Task
		if task == "" {
			task = p.Colorize(Gray, "idle")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			row.Kind, p.Colorize(Cyan, row.Addr), row.Connected, task)
	}

	return w.Flush()
}

// ErrorRow represents a module error record in request detail output
type ErrorRow struct {
	RequestID int64  `json:"request_id" yaml:"request_id"`
	Module    string `json:"module" yaml:"module"`
	Comment   string `json:"comment" yaml:"comment"`
	Created   string `json:"created" yaml:"created"`
}

// ModuleFinding is one module's stored rows for a request
type ModuleFinding struct {
	Module string           `json:"module" yaml:"module"`
	Rows   []map[string]any `json:"rows" yaml:"rows"`
}

// RequestDetail represents one request with everything recorded for it
type RequestDetail struct {
	ID       int64           `json:"id" yaml:"id"`
	Domain   string          `json:"domain" yaml:"domain"`
	State    string          `json:"state" yaml:"state"`
	Comment  string          `json:"comment,omitempty" yaml:"comment,omitempty"`
	Created  string          `json:"created" yaml:"created"`
	Updated  string          `json:"updated" yaml:"updated"`
	Errors   []ErrorRow      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Findings []ModuleFinding `json:"findings,omitempty" yaml:"findings,omitempty"`
}

// PrintRequestDetail prints one request with its errors and module findings
func (p *Printer) PrintRequestDetail(detail RequestDetail) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(detail)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Request:"),
		fmt.Sprintf("%s#%d", p.Colorize(Cyan, detail.Domain), detail.ID))
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "State:"),
		p.Colorize(p.stateColor(detail.State), detail.State))
	if detail.Comment != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Comment:"), detail.Comment)
	}
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Created:"), detail.Created)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Updated:"), detail.Updated)

	if len(detail.Errors) > 0 {
		fmt.Fprintf(p.writer, "  %s\n", p.Colorize(Gray, "Errors:"))
		for _, e := range detail.Errors {
			fmt.Fprintf(p.writer, "    %s: %s\n",
				p.Colorize(Cyan, e.Module), p.Colorize(Red, e.Comment))
		}
	}

	for _, f := range detail.Findings {
		fmt.Fprintf(p.writer, "  %s\n", p.Colorize(Bold, f.Module))
		if len(f.Rows) == 0 {
			fmt.Fprintf(p.writer, "    %s\n", p.Colorize(Gray, "no rows"))
			continue
		}
		for _, row := range f.Rows {
			formatted, err := json.Marshal(row)
			if err != nil {
				fmt.Fprintf(p.writer, "    %v\n", row)
				continue
			}
			fmt.Fprintf(p.writer, "    %s\n", string(formatted))
		}
	}

	return nil
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
