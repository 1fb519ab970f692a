package app

import (
	"context"
	"net/http"
	"time"

	"clubops/api/internal/cache"
	"clubops/api/internal/rbac"
)

type WidgetPlanSummary struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	AssignmentCount int    `json:"assignmentCount"`
}

type WidgetData struct {
	Visible            bool               `json:"visible"`
	DaysRemaining      int                `json:"daysRemaining"`
	NextTransitionDate time.Time          `json:"nextTransitionDate"`
	TermName           string             `json:"termName"`
	Plan               *WidgetPlanSummary `json:"plan,omitempty"`
}

type OversightData struct {
	WidgetData
	LeadDays            int `json:"leadDays"`
	PendingPastDueCount int `json:"pendingPastDueCount"`
}

// WidgetDataFor computes the dashboard countdown widget for a viewer. The
// widget appears only to roles with the widget capability, and only once
// the next transition is inside the lead window. Callers outside that get
// visible=false with the plan summary withheld.
func (s *Service) WidgetDataFor(ctx context.Context, viewer Viewer) (WidgetData, error) {
	snapshot, err := s.widgetSnapshot(ctx)
	if err != nil {
		return WidgetData{}, err
	}

	now := s.now()
	daysRemaining := daysUntil(now, snapshot.NextTransitionDate)
	visible := rbac.For(viewer.Role).MaySeeWidget && daysRemaining <= s.calendar.LeadDays()

	data := WidgetData{
		Visible:            visible,
		DaysRemaining:      daysRemaining,
		NextTransitionDate: snapshot.NextTransitionDate,
		TermName:           snapshot.TermName,
	}
	if visible && snapshot.PlanID != "" {
		data.Plan = &WidgetPlanSummary{ID: snapshot.PlanID, Status: snapshot.PlanStatus}
		if plan, err := s.store.GetPlan(ctx, snapshot.PlanID); err == nil {
			data.Plan.AssignmentCount = plan.AssignmentCount
		}
	}
	return data, nil
}

// OversightDataFor is the diagnostic view: the same computation with the
// gating inputs exposed, regardless of the lead window.
func (s *Service) OversightDataFor(ctx context.Context, viewer Viewer) (OversightData, error) {
	if !rbac.For(viewer.Role).MayOversee {
		return OversightData{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	snapshot, err := s.widgetSnapshot(ctx)
	if err != nil {
		return OversightData{}, err
	}
	now := s.now()
	daysRemaining := daysUntil(now, snapshot.NextTransitionDate)
	pendingPastDue, err := s.store.CountPendingPastDue(ctx, now)
	if err != nil {
		return OversightData{}, err
	}
	data := OversightData{
		WidgetData: WidgetData{
			Visible:            daysRemaining <= s.calendar.LeadDays(),
			DaysRemaining:      daysRemaining,
			NextTransitionDate: snapshot.NextTransitionDate,
			TermName:           snapshot.TermName,
		},
		LeadDays:            s.calendar.LeadDays(),
		PendingPastDueCount: pendingPastDue,
	}
	if snapshot.PlanID != "" {
		data.Plan = &WidgetPlanSummary{ID: snapshot.PlanID, Status: snapshot.PlanStatus}
		if plan, err := s.store.GetPlan(ctx, snapshot.PlanID); err == nil {
			data.Plan.AssignmentCount = plan.AssignmentCount
		}
	}
	return data, nil
}

// widgetSnapshot returns the viewer-independent widget inputs, from Redis
// when cached. Role gating always happens after this call so a cached
// snapshot never bypasses it.
func (s *Service) widgetSnapshot(ctx context.Context) (cache.Snapshot, error) {
	now := s.now()
	nextDate := s.calendar.NextTransitionDate(now)
	termName := s.calendar.TermNameFor(nextDate)

	if s.cache != nil {
		cached, err := s.cache.Get(ctx, termName)
		if err != nil {
			s.logger.Warn("widget cache read failed", "term", termName, "error", err)
		} else if cached != nil {
			return *cached, nil
		}
	}

	snapshot := cache.Snapshot{
		NextTransitionDate: nextDate,
		TermName:           termName,
		ComputedAt:         now,
	}
	plan, err := s.store.FindPlanForTerm(ctx, termName)
	if err != nil {
		return cache.Snapshot{}, err
	}
	if plan != nil {
		snapshot.PlanID = plan.ID
		snapshot.PlanStatus = plan.Status
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, termName, snapshot); err != nil {
			s.logger.Warn("widget cache write failed", "term", termName, "error", err)
		}
	}
	return snapshot, nil
}

// daysUntil rounds partial days up, so the morning of the day before a
// midnight rollover still counts as one day remaining.
func daysUntil(now, at time.Time) int {
	remaining := at.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	return days
}
