package scheduler

import (
	"context"
	"sort"

	"github.com/haasonsaas/orbit/internal/sessions"
	"github.com/haasonsaas/orbit/pkg/models"
)

// StoreSessionLister adapts a sessions.Store into a scheduler.SessionLister,
// filtering ListSessions' output down to the schedule_id a scheduled job's
// runs are tagged with. sessions.Store has no
// schedule_id-specific query, so this lists and filters client-side rather
// than widening ListOptions for a single, scheduler-only use case.
type StoreSessionLister struct {
	Store sessions.Store
}

func (l StoreSessionLister) SessionsForSchedule(ctx context.Context, scheduleID string, limit int) ([]*models.Session, error) {
	all, err := l.Store.ListSessions(ctx, sessions.ListOptions{Types: []models.SessionType{models.SessionScheduled}})
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Session, 0, len(all))
	for _, s := range all {
		if s.ScheduleID == scheduleID {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
