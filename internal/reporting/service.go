package reporting

import (
	"context"
	"errors"

	"lead-qualifier/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Service aggregates session outcomes. It reads through the session repository and
// never writes.
type Service struct {
	repo calls.Repository
}

func NewService(repo calls.Repository) *Service { return &Service{repo: repo} }

func (s *Service) OutcomeSummary(ctx context.Context, req OutcomeSummaryRequest) (OutcomeSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return OutcomeSummary{}, ErrInvalidRequest
	}
	switch calls.Direction(req.Direction) {
	case "", calls.DirectionInbound, calls.DirectionOutbound:
	default:
		return OutcomeSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return OutcomeSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.List(ctx, calls.ListFilter{From: req.Range.From, To: req.Range.To})
	if err != nil {
		return OutcomeSummary{}, err
	}

	out := OutcomeSummary{Range: req.Range, FailureReasons: map[string]int{}}
	var utterances int
	for _, c := range rows {
		if req.Direction != "" && string(c.Direction) != req.Direction {
			continue
		}
		out.TotalSessions++
		utterances += len(c.Transcripts)
		if c.Abandoned {
			out.Abandoned++
		}
		switch c.State {
		case calls.StateCompleted:
			out.Completed++
		case calls.StateRejected:
			out.Rejected++
		case calls.StateFailed:
			out.Failed++
			if c.FailureReason != "" {
				out.FailureReasons[c.FailureReason]++
			}
		default:
			out.InProgress++
		}
		if c.Verdict != nil {
			switch *c.Verdict {
			case calls.VerdictQualified:
				out.Qualified++
			case calls.VerdictUnqualified:
				out.Unqualified++
			}
		}
	}

	if judged := out.Qualified + out.Unqualified; judged > 0 {
		out.QualificationRate = float64(out.Qualified) / float64(judged)
	}
	if out.Qualified > 0 {
		out.BookingRate = float64(out.Completed) / float64(out.Qualified)
	}
	if out.TotalSessions > 0 {
		out.AverageUtterances = float64(utterances) / float64(out.TotalSessions)
	}
	return out, nil
}
