package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"telecrm/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds a single summary query.
const maxRange = 93 * 24 * time.Hour

// Repository abstracts data access for reporting. calls.Store satisfies it.
type Repository interface {
	ListCalls(ctx context.Context, f calls.ListFilter) ([]calls.CallRecord, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, calls.ListFilter{
		CallerID: req.CallerID,
		LeadID:   req.LeadID,
		From:     req.Range.From,
		To:       req.Range.To,
	})
	if err != nil {
		return CallsSummary{}, err
	}

	now := s.clock()
	out := CallsSummary{CallerID: req.CallerID, LeadID: req.LeadID, Range: req.Range, Dispositions: map[string]int{}}
	agents := map[string]*AgentSummary{}
	ended := 0
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		out.Dispositions[string(c.Disposition)]++
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.CallbackDatetime != nil && c.CallbackDatetime.After(now) {
			out.CallbacksPending++
		}

		a, ok := agents[c.CallerID]
		if !ok {
			a = &AgentSummary{CallerID: c.CallerID}
			agents[c.CallerID] = a
		}
		a.TotalCalls++
		a.TotalDurationSeconds += c.DurationSeconds

		switch c.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
			a.CompletedCalls++
			ended++
		case calls.StatusMissed:
			out.MissedCalls++
			ended++
		case calls.StatusFailed:
			out.FailedCalls++
			ended++
		default:
			out.InProgressCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
	}
	if ended > 0 {
		out.ConnectionRate = float64(out.CompletedCalls) / float64(ended)
	}
	if req.CallerID == "" {
		for _, a := range agents {
			out.Agents = append(out.Agents, *a)
		}
		sort.Slice(out.Agents, func(i, j int) bool { return out.Agents[i].CallerID < out.Agents[j].CallerID })
	}
	return out, nil
}
