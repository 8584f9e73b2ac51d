// Package dashboard builds the read-only rollup: per-queue counts, global
// totals, recent failures, and upcoming scheduled runs. It never mutates
// state and is safe to call while the dispatcher and cron runner are live.
package dashboard

import (
	"context"

	"conveyor/internal/domain"
	"conveyor/internal/store"
)

const topN = 10

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

func (s *Service) Summary(ctx context.Context) (domain.DashboardSummary, error) {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}

	summary := domain.DashboardSummary{
		Queues: make([]domain.QueueStats, 0, len(queues)),
	}
	for _, q := range queues {
		st, err := s.store.QueueStats(ctx, q.ID)
		if err != nil {
			return domain.DashboardSummary{}, err
		}
		summary.Queues = append(summary.Queues, st)
		summary.Totals.Pending += st.Pending
		summary.Totals.Active += st.Active
		summary.Totals.Completed += st.Completed
		summary.Totals.Failed += st.Failed
		summary.Totals.Delayed += st.Delayed
	}

	fails, err := s.store.RecentFailed(ctx, topN)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	summary.RecentFails = fails

	upcoming, err := s.store.UpcomingSchedules(ctx, topN)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	summary.Upcoming = upcoming

	return summary, nil
}
