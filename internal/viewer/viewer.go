// Package viewer renders read-only views of the pipeline's store. It
// backs the lyra command line tool: request listings, one-request
// drilldowns with module findings, and domain verdict lookups.
package viewer

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/output"
	"github.com/oriys/polaris/internal/store"
)

// Viewer reads the store and prints through one output printer.
type Viewer struct {
	st      store.Store
	mods    []modules.Module
	printer *output.Printer
}

// New builds a viewer. The module instances exist only for their names
// and select statements; nothing runs.
func New(st store.Store, printer *output.Printer) *Viewer {
	return &Viewer{
		st:      st,
		mods:    modules.All(modules.Deps{Store: st}),
		printer: printer,
	}
}

// Requests prints requests in one state, newest first.
func (v *Viewer) Requests(ctx context.Context, state domain.State, since, until time.Time, limit int) error {
	infos, err := v.st.RequestsByState(ctx, state, since, until, limit)
	if err != nil {
		return fmt.Errorf("list %s requests: %w", state, err)
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
	return v.printer.PrintRequests(rows)
}

// Show prints one request with its error records and the findings
// every module stored for it.
func (v *Viewer) Show(ctx context.Context, requestID int64) error {
	ri, err := v.st.FindRequest(ctx, requestID)
	if err == store.ErrNotFound {
		return fmt.Errorf("request %d not found", requestID)
	}
	if err != nil {
		return fmt.Errorf("load request %d: %w", requestID, err)
	}

	detail := output.RequestDetail{
		ID:      ri.ID,
		Domain:  ri.Domain,
		State:   string(ri.State),
		Comment: ri.Comment,
		Created: ri.CreatedAt.Format(time.RFC3339),
		Updated: ri.UpdatedAt.Format(time.RFC3339),
	}

	records, err := v.st.ErrorsForRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load error records: %w", err)
	}
	for _, e := range records {
		detail.Errors = append(detail.Errors, output.ErrorRow{
			RequestID: e.RequestID,
			Module:    e.Module,
			Comment:   e.Comment,
			Created:   e.CreatedAt.Format(time.RFC3339),
		})
	}

	for _, m := range v.mods {
		rows, err := v.st.ModuleRows(ctx, m.Name(), m.Select(), requestID)
		if err != nil {
			return fmt.Errorf("load %s findings: %w", m.Name(), err)
		}
		if len(rows) == 0 {
			continue
		}
		detail.Findings = append(detail.Findings, output.ModuleFinding{
			Module: m.Name(),
			Rows:   rows,
		})
	}

	return v.printer.PrintRequestDetail(detail)
}

// Domain prints one domain's verdict row.
func (v *Viewer) Domain(ctx context.Context, raw string) error {
	name := domain.NormalizeName(raw)
	d, err := v.st.FindDomain(ctx, name)
	if err == store.ErrNotFound {
		return fmt.Errorf("domain %q not found", name)
	}
	if err != nil {
		return fmt.Errorf("load domain %q: %w", name, err)
	}

	return v.printer.PrintDomains([]output.DomainRow{{
		Name:    d.Name,
		State:   string(d.State),
		Comment: d.Comment,
		Updated: d.UpdatedAt.Format(time.RFC3339),
	}})
}
