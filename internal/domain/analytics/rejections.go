package analytics

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/lab"
)

// NoReasonGiven labels rejections whose metadata carries no reason.
const NoReasonGiven = "no reason given"

type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

type RejectionAnalysis struct {
	ExamTypeID uuid.UUID     `json:"exam_type_id"`
	Code       string        `json:"code"`
	Name       string        `json:"name"`
	Count      int           `json:"count"`
	Reasons    []ReasonCount `json:"reasons"`
}

// Rejections counts exam and specimen rejection events in range per exam
// type, broken down by reason. Events whose exam type cannot be resolved
// are skipped.
func (e *Engine) Rejections(ctx context.Context, f Filter) (out []RejectionAnalysis, err error) {
	done := e.metrics.ObserveQuery("analytics.rejections")
	defer func() { done(err) }()

	events, links, err := e.markedEvents(ctx, f, lab.Action.IsRejection)
	if err != nil {
		return nil, err
	}

	type acc struct {
		RejectionAnalysis
		reasons map[string]int
	}
	byType := map[uuid.UUID]*acc{}
	var order []uuid.UUID
	log := zerolog.Ctx(ctx)
	for i, ev := range events {
		et := links[i].ExamType
		if et == nil {
			log.Debug().Str("event_id", ev.ID.String()).Msg("rejection without exam type, skipped")
			continue
		}
		a, ok := byType[et.ID]
		if !ok {
			a = &acc{
				RejectionAnalysis: RejectionAnalysis{ExamTypeID: et.ID, Code: et.Code, Name: et.Name},
				reasons:           map[string]int{},
			}
			byType[et.ID] = a
			order = append(order, et.ID)
		}
		reason := ev.Metadata.Reason()
		if reason == "" {
			reason = NoReasonGiven
		}
		a.Count++
		a.reasons[reason]++
	}

	out = make([]RejectionAnalysis, 0, len(order))
	for _, id := range order {
		a := byType[id]
		a.Reasons = make([]ReasonCount, 0, len(a.reasons))
		for r, n := range a.reasons {
			a.Reasons = append(a.Reasons, ReasonCount{Reason: r, Count: n})
		}
		sortByCount(a.Reasons, func(r ReasonCount) string { return r.Reason }, func(r ReasonCount) int { return r.Count })
		out = append(out, a.RejectionAnalysis)
	}
	sortByCount(out, func(r RejectionAnalysis) string { return r.Code }, func(r RejectionAnalysis) int { return r.Count })
	return out, nil
}
