package incident

import (
	"context"
	"sort"
)

const (
	// NoReasonGiven keys incidents whose metadata carries no reason.
	NoReasonGiven = "no reason given"
	// UnassignedTechnician keys incidents recorded without an actor.
	UnassignedTechnician = "unassigned"
	// UnknownExamType keys incidents whose exam type is unresolved.
	UnknownExamType = "unknown"
)

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type DailyCount struct {
	Date       string `json:"date"`
	Total      int    `json:"total"`
	Rejections int    `json:"rejections"`
	Incidences int    `json:"incidences"`
}

type Patterns struct {
	Total                  int          `json:"total"`
	Reasons                []Count      `json:"reasons"`
	RejectionsByTechnician []Count      `json:"rejections_by_technician"`
	RejectionsByExamType   []Count      `json:"rejections_by_exam_type"`
	DailyTrend             []DailyCount `json:"daily_trend"`
}

// Patterns aggregates the filtered set in a single pass.
func (e *Engine) Patterns(ctx context.Context, f Filter) (p *Patterns, err error) {
	done := e.metrics.ObserveQuery("incidents.patterns")
	defer func() { done(err) }()

	items, err := e.filtered(ctx, f)
	if err != nil {
		return nil, err
	}

	reasons := counter{}
	byTech := counter{}
	byType := counter{}
	days := map[string]*DailyCount{}
	for _, inc := range items {
		reason := inc.Reason
		if reason == "" {
			reason = NoReasonGiven
		}
		reasons.add(reason)

		day := inc.Timestamp.UTC().Format("2006-01-02")
		d, ok := days[day]
		if !ok {
			d = &DailyCount{Date: day}
			days[day] = d
		}
		d.Total++

		if inc.Type == TypeIncidence {
			d.Incidences++
			continue
		}
		d.Rejections++
		tech := inc.TechnicianID
		if tech == "" {
			tech = UnassignedTechnician
		}
		byTech.add(tech)
		code := inc.ExamTypeCode
		if code == "" {
			code = UnknownExamType
		}
		byType.add(code)
	}

	p = &Patterns{
		Total:                  len(items),
		Reasons:                reasons.sorted(),
		RejectionsByTechnician: byTech.sorted(),
		RejectionsByExamType:   byType.sorted(),
		DailyTrend:             make([]DailyCount, 0, len(days)),
	}
	for _, d := range days {
		p.DailyTrend = append(p.DailyTrend, *d)
	}
	sort.Slice(p.DailyTrend, func(i, j int) bool { return p.DailyTrend[i].Date < p.DailyTrend[j].Date })
	return p, nil
}

type counter map[string]int

func (c counter) add(key string) { c[key]++ }

// sorted returns counts by count descending, then key ascending.
func (c counter) sorted() []Count {
	out := make([]Count, 0, len(c))
	for k, n := range c {
		out = append(out, Count{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
