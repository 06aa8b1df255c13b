// Package reviewer turns scanned requests into verdicts. One worker
// pulls from the coordinator's review dispatch endpoint, weighs the
// findings the scan modules stored for the request and reports the
// verdict back as a review notification.
package reviewer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oriys/polaris/internal/domain"
	"github.com/oriys/polaris/internal/modules"
	"github.com/oriys/polaris/internal/observability"
	"github.com/oriys/polaris/internal/store"
)

// Deny thresholds. Trust uses WOT's 0..100 scale; the VirusTotal ratio
// is detected positives over total engine verdicts across the domain's
// URLs.
const (
	vtDenyRatio     = 0.1
	wotTrustFloor   = 60
	ipvoidDenyCount = 3
)

// typoCommentMax caps how many lookalike brands the comment names.
const typoCommentMax = 3

// Verdict is the outcome of one review.
type Verdict struct {
	Access  domain.State
	Comment string
}

// Policy derives a verdict from stored module findings. Strong signals
// deny the domain; soft signals (brand lookalikes, scan errors) only
// annotate the comment so an operator sees them either way.
type Policy struct {
	st store.Store

	safebrowsing modules.Module
	virustotal   modules.Module
	wot          modules.Module
	ipvoid       modules.Module
	typo         modules.Module
}

// NewPolicy builds a policy over the given store. The module instances
// exist only for their names and select statements; they never run.
func NewPolicy(st store.Store) *Policy {
	deps := modules.Deps{Store: st}
	return &Policy{
		st:           st,
		safebrowsing: modules.NewGoogleSafeBrowsing(deps),
		virustotal:   modules.NewVirusTotal(deps),
		wot:          modules.NewWOT(deps),
		ipvoid:       modules.NewIPVoid(deps),
		typo:         modules.NewTypo(deps),
	}
}

// Evaluate weighs the findings stored for one request. A read failure
// aborts the evaluation; the caller decides whether to retry the task.
func (p *Policy) Evaluate(ctx context.Context, task domain.Task) (Verdict, error) {
	ctx, span := observability.StartSpan(ctx, "review.evaluate",
		observability.AttrDomain.String(task.Domain),
		observability.AttrRequestID.Int64(task.RequestID))
	defer span.End()

	v, err := p.evaluate(ctx, task)
	if err != nil {
		observability.SetSpanError(span, err)
		return Verdict{}, err
	}
	span.SetAttributes(observability.AttrAccess.String(string(v.Access)))
	observability.SetSpanOK(span)
	return v, nil
}

func (p *Policy) evaluate(ctx context.Context, task domain.Task) (Verdict, error) {
	var strong, soft []string

	threats, err := p.threatMatches(ctx, task.RequestID)
	if err != nil {
		return Verdict{}, err
	}
	if len(threats) > 0 {
		strong = append(strong, "Safe Browsing flags "+strings.Join(threats, ", "))
	}

	if note, hit, err := p.virusTotalRatio(ctx, task.RequestID); err != nil {
		return Verdict{}, err
	} else if hit {
		strong = append(strong, note)
	}

	if note, hit, err := p.wotTrust(ctx, task.RequestID); err != nil {
		return Verdict{}, err
	} else if hit {
		strong = append(strong, note)
	}

	hostileIPs, err := p.ipvoidDetections(ctx, task.RequestID)
	if err != nil {
		return Verdict{}, err
	}
	strong = append(strong, hostileIPs...)

	lookalikes, err := p.brandLookalikes(ctx, task.RequestID)
	if err != nil {
		return Verdict{}, err
	}
	if len(lookalikes) > 0 {
		soft = append(soft, "resembles "+strings.Join(lookalikes, ", "))
	}

	errCount, err := p.st.ErrorCount(ctx, task.RequestID)
	if err != nil {
		return Verdict{}, fmt.Errorf("count scan errors: %w", err)
	}
	if errCount > 0 {
		soft = append(soft, fmt.Sprintf("%d scan errors", errCount))
	}

	v := Verdict{Access: domain.StatePermitted}
	if len(strong) > 0 {
		v.Access = domain.StateDenied
	}
	v.Comment = strings.Join(append(strong, soft...), "; ")
	return v, nil
}

func (p *Policy) rows(ctx context.Context, m modules.Module, requestID int64) ([]map[string]any, error) {
	rows, err := p.st.ModuleRows(ctx, m.Name(), m.Select(), requestID)
	if err != nil {
		return nil, fmt.Errorf("read %s findings: %w", m.Name(), err)
	}
	return rows, nil
}

func (p *Policy) threatMatches(ctx context.Context, requestID int64) ([]string, error) {
	rows, err := p.rows(ctx, p.safebrowsing, requestID)
	if err != nil {
		return nil, err
	}
	threats := make([]string, 0, len(rows))
	for _, row := range rows {
		if s, ok := asString(row["threat_type"]); ok && s != "" {
			threats = append(threats, s)
		}
	}
	sort.Strings(threats)
	return threats, nil
}

func (p *Policy) virusTotalRatio(ctx context.Context, requestID int64) (string, bool, error) {
	rows, err := p.rows(ctx, p.virustotal, requestID)
	if err != nil {
		return "", false, err
	}
	for _, row := range rows {
		positives, okP := asInt(row["positives"])
		total, okT := asInt(row["total"])
		if !okP || !okT || total <= 0 {
			continue
		}
		if float64(positives)/float64(total) >= vtDenyRatio {
			return fmt.Sprintf("VirusTotal detections %d/%d", positives, total), true, nil
		}
	}
	return "", false, nil
}

func (p *Policy) wotTrust(ctx context.Context, requestID int64) (string, bool, error) {
	rows, err := p.rows(ctx, p.wot, requestID)
	if err != nil {
		return "", false, err
	}
	for _, row := range rows {
		trust, ok := asInt(row["trust"])
		// The module stores -1 when the reputation service does not
		// know the domain.
		if !ok || trust < 0 {
			continue
		}
		if trust < wotTrustFloor {
			return fmt.Sprintf("WOT trust %d", trust), true, nil
		}
	}
	return "", false, nil
}

func (p *Policy) ipvoidDetections(ctx context.Context, requestID int64) ([]string, error) {
	rows, err := p.rows(ctx, p.ipvoid, requestID)
	if err != nil {
		return nil, err
	}
	var hostile []string
	for _, row := range rows {
		detections, ok := asInt(row["detections"])
		if !ok || detections < ipvoidDenyCount {
			continue
		}
		ip, _ := asString(row["ip"])
		engines, _ := asInt(row["engines"])
		hostile = append(hostile, fmt.Sprintf("IPVoid %d/%d blacklists for %s", detections, engines, ip))
	}
	return hostile, nil
}

func (p *Policy) brandLookalikes(ctx context.Context, requestID int64) ([]string, error) {
	rows, err := p.rows(ctx, p.typo, requestID)
	if err != nil {
		return nil, err
	}
	var brands []string
	for _, row := range rows {
		if len(brands) == typoCommentMax {
			break
		}
		if brand, ok := asString(row["brand"]); ok && brand != "" {
			brands = append(brands, brand)
		}
	}
	return brands, nil
}

// asInt accepts the integer shapes the two store backends produce:
// plain ints from the memory store, int32/int64 from pgx scans.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
