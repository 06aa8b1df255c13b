package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/output"
	"github.com/oriys/polaris/internal/session"
	"github.com/oriys/polaris/internal/store"
)

// consoleListLimit caps how many rows a show command prints.
const consoleListLimit = 100

const consoleHelp = `commands:
  add domain <name>      insert a domain and queue a scan for it
  add file <path>        queue every domain listed in a file, one per line
  show queued domains    requests waiting for a scanner
  show scanned domains   requests waiting for a reviewer
  show scanners          connected scan workers
  show reviewers         connected review workers
  show help              this text
  shutdown               stop the coordinator`

// Console is the operator loop on the coordinator's standard input.
type Console struct {
	server  *Server
	st      store.Store
	in      io.Reader
	printer *output.Printer
	out     io.Writer
}

// NewConsole builds a console reading commands from in and printing to
// out.
func NewConsole(server *Server, st store.Store, in io.Reader, out io.Writer) *Console {
	printer := output.NewPrinter(output.FormatTable)
	printer.SetWriter(out)
	return &Console{server: server, st: st, in: in, printer: printer, out: out}
}

// Run reads commands until EOF or the shutdown command. It returns
// true when the operator asked for a shutdown and false when the input
// was exhausted.
func (c *Console) Run(ctx context.Context) bool {
	sc := bufio.NewScanner(c.in)
	for {
		fmt.Fprint(c.out, "polaris> ")
		if !sc.Scan() {
			fmt.Fprintln(c.out)
			return false
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)

		switch {
		case line == "shutdown":
			c.printer.Info("shutting down")
			return true
		case line == "show help":
			fmt.Fprintln(c.out, consoleHelp)
		case line == "show queued domains":
			c.showRequests(ctx, domain.StateQueued)
		case line == "show scanned domains":
			c.showRequests(ctx, domain.StateScanned)
		case line == "show scanners":
			c.showWorkers(session.KindScanner)
		case line == "show reviewers":
			c.showWorkers(session.KindReviewer)
		case fields[0] == "add" && len(fields) == 3 && fields[1] == "domain":
			c.addDomain(ctx, fields[2])
		case fields[0] == "add" && len(fields) >= 3 && fields[1] == "file":
			c.addFile(ctx, strings.Join(fields[2:], " "))
		default:
			c.printer.Error("unknown command %q, try 'show help'", line)
		}
	}
}

func (c *Console) addDomain(ctx context.Context, name string) {
	requestID, err := c.server.AddDomain(ctx, name)
	if err != nil {
		c.printer.Error("add %s: %v", name, err)
		return
	}
	c.printer.Success("queued %s as request %d", domain.NormalizeName(name), requestID)
}

func (c *Console) addFile(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		c.printer.Error("open %s: %v", path, err)
		return
	}
	defer f.Close()

	added, failed := 0, 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || strings.HasPrefix(name, "#") {
			continue
		}
		if _, err := c.server.AddDomain(ctx, name); err != nil {
			c.printer.Error("add %s: %v", name, err)
			failed++
			continue
		}
		added++
	}
	if err := sc.Err(); err != nil {
		c.printer.Error("read %s: %v", path, err)
		return
	}
	if failed > 0 {
		c.printer.Warning("queued %d domains from %s, %d failed", added, path, failed)
		return
	}
	c.printer.Success("queued %d domains from %s", added, path)
}

func (c *Console) showRequests(ctx context.Context, state domain.State) {
	infos, err := c.st.RequestsByState(ctx, state, time.Time{}, time.Time{}, consoleListLimit)
	if err != nil {
		c.printer.Error("list %s requests: %v", state, err)
		return
	}

	rows := make([]output.RequestRow, 0, len(infos))
	for _, ri := range infos {
		rows = append(rows, output.RequestRow{
			ID:      ri.ID,
			Domain:  ri.Domain,
			State:   string(ri.State),
			Comment: ri.Comment,
			Created: ri.CreatedAt.Format(time.RFC3339),
			Updated: ri.UpdatedAt.Format(time.RFC3339),
		})
	}
	_ = c.printer.PrintRequests(rows)
}

func (c *Console) showWorkers(kind string) {
	sessions := c.server.Sessions().Snapshot(kind)

	rows := make([]output.WorkerRow, 0, len(sessions))
	for _, s := range sessions {
		row := output.WorkerRow{
			Kind:      s.Kind,
			Addr:      s.RemoteAddr,
			Session:   s.ID,
			Connected: s.ConnectedAt.Format(time.RFC3339),
		}
		if s.Task != nil {
			row.Task = s.Task.String()
		}
		rows = append(rows, row)
	}
	_ = c.printer.PrintWorkers(rows)
}
