package app

import (
	"context"
	"log/slog"
	"time"

	"clubops/api/internal/store"
)

// Notifier is told about applied plans so announcements can go out. The
// default just logs; a mail or chat integration plugs in here.
type Notifier interface {
	PlanApplied(ctx context.Context, plan store.TransitionPlan)
}

type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) PlanApplied(_ context.Context, plan store.TransitionPlan) {
	n.logger.Info("transition applied",
		"planId", plan.ID,
		"term", plan.TargetTermName,
		"assignments", len(plan.Assignments),
	)
}

type AppliedPlan struct {
	PlanID          string `json:"planId"`
	Name            string `json:"name"`
	TargetTermName  string `json:"targetTermName"`
	AssignmentCount int    `json:"assignmentCount"`
}

type SchedulerError struct {
	PlanID  string `json:"planId,omitempty"`
	EntryID string `json:"entryId,omitempty"`
	Error   string `json:"error"`
}

type SchedulerResult struct {
	Success              bool             `json:"success"`
	AppliedPlans         []AppliedPlan    `json:"appliedPlans"`
	AppliedCount         int              `json:"appliedCount"`
	SkippedCount         int              `json:"skippedCount"`
	ClosedServiceRecords int              `json:"closedServiceRecords"`
	Errors               []SchedulerError `json:"errors"`
	ProcessedAt          time.Time        `json:"processedAt"`
}

// ProcessScheduledOperations is the cron entry point. Two sweeps run in
// order: due approved plans are applied, then open event-host records whose
// event has ended are closed. Every step is a conditional update underneath,
// so overlapping cron deliveries converge on one application per plan. A
// failing plan is recorded and skipped; the rest of the batch still runs.
func (s *Service) ProcessScheduledOperations(ctx context.Context) (SchedulerResult, error) {
	now := s.now()
	result := SchedulerResult{
		AppliedPlans: []AppliedPlan{},
		Errors:       []SchedulerError{},
		ProcessedAt:  now,
	}
	if s.metrics != nil {
		s.metrics.Runs.Inc()
	}

	// The sweeps are independent: a failure listing due plans is recorded
	// and the event-host sweep still runs.
	due, err := s.store.DueApprovedPlans(ctx, now)
	if err != nil {
		s.logger.Error("due plan query failed", "error", err)
		result.Errors = append(result.Errors, SchedulerError{Error: err.Error()})
		due = nil
	}
	for _, plan := range due {
		applied, err := s.store.ApplyPlan(ctx, plan, now, "scheduler")
		if err != nil {
			s.logger.Error("plan application failed", "planId", plan.ID, "error", err)
			if s.metrics != nil {
				s.metrics.PlanErrors.Inc()
			}
			result.Errors = append(result.Errors, SchedulerError{PlanID: plan.ID, Error: err.Error()})
			continue
		}
		if !applied {
			// Another run got there first.
			result.SkippedCount++
			continue
		}
		if s.metrics != nil {
			s.metrics.PlansApplied.Inc()
		}
		result.AppliedPlans = append(result.AppliedPlans, AppliedPlan{
			PlanID:          plan.ID,
			Name:            plan.Name,
			TargetTermName:  plan.TargetTermName,
			AssignmentCount: len(plan.Assignments),
		})
		s.invalidateWidget(ctx, plan.TargetTermName)
		s.notifier.PlanApplied(ctx, plan)
	}
	result.AppliedCount = len(result.AppliedPlans)

	expired, err := s.store.ExpiredEventHostEntries(ctx, now)
	if err != nil {
		result.Errors = append(result.Errors, SchedulerError{Error: err.Error()})
		result.Success = false
		return result, nil
	}
	for _, closure := range expired {
		closed, err := s.store.CloseEventHostEntry(ctx, closure.EntryID, closure.EndsAt)
		if err != nil {
			s.logger.Error("event host closure failed", "entryId", closure.EntryID, "error", err)
			result.Errors = append(result.Errors, SchedulerError{EntryID: closure.EntryID, Error: err.Error()})
			continue
		}
		if closed {
			result.ClosedServiceRecords++
			if s.metrics != nil {
				s.metrics.RecordsClosed.Inc()
			}
		}
	}

	result.Success = len(result.Errors) == 0
	s.logger.Info("scheduler run finished",
		"applied", result.AppliedCount,
		"skipped", result.SkippedCount,
		"closed", result.ClosedServiceRecords,
		"errors", len(result.Errors),
	)
	return result, nil
}

type CronStatus struct {
	Now                     time.Time   `json:"now"`
	UpcomingTransitionDates []time.Time `json:"upcomingTransitionDates"`
	DueTransitionsCount     int         `json:"dueTransitionsCount"`
	PendingPastDueCount     int         `json:"pendingPastDueCount"`
}

// CronStatusReport is the GET side of the cron endpoint: what the next
// runs would look at, without mutating anything. Plans stuck in
// PENDING_APPROVAL past their effective date are surfaced here for
// monitoring; they are never auto-resolved.
func (s *Service) CronStatusReport(ctx context.Context) (CronStatus, error) {
	now := s.now()
	dueCount, err := s.store.CountDuePlans(ctx, now)
	if err != nil {
		return CronStatus{}, err
	}
	pendingPastDue, err := s.store.CountPendingPastDue(ctx, now)
	if err != nil {
		return CronStatus{}, err
	}
	if s.metrics != nil {
		s.metrics.DuePlans.Set(float64(dueCount))
	}
	return CronStatus{
		Now:                     now,
		UpcomingTransitionDates: s.calendar.UpcomingTransitionDates(now, 3),
		DueTransitionsCount:     dueCount,
		PendingPastDueCount:     pendingPastDue,
	}, nil
}
