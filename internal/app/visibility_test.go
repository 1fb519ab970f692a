package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"clubops/api/internal/cache"
	"clubops/api/internal/rbac"
	"clubops/api/internal/store"
	"clubops/api/internal/termcal"
)

func termPlan() *store.TransitionPlan {
	return &store.TransitionPlan{
		ID:              "plan_term",
		Status:          store.StatusApproved,
		TargetTermName:  "2026-2027",
		AssignmentCount: 3,
	}
}

func TestWidgetVisibleInsideLeadWindow(t *testing.T) {
	dataStore := &fakeStore{
		findPlanForTermFn: func(_ context.Context, termName string) (*store.TransitionPlan, error) {
			if termName != "2026-2027" {
				t.Fatalf("expected term 2026-2027, got %s", termName)
			}
			return termPlan(), nil
		},
		getPlanFn: func(context.Context, string) (store.TransitionPlan, error) {
			return *termPlan(), nil
		},
	}
	service := newTestService(t, dataStore)

	for _, role := range []rbac.Role{rbac.RolePresident, rbac.RolePastPresident} {
		data, err := service.WidgetDataFor(context.Background(), Viewer{MemberID: "mem_1", Role: role})
		if err != nil {
			t.Fatalf("WidgetDataFor(%s) failed: %v", role, err)
		}
		if !data.Visible {
			t.Fatalf("%s should see the widget 21 days out", role)
		}
		if data.DaysRemaining != 21 {
			t.Fatalf("expected 21 days remaining, got %d", data.DaysRemaining)
		}
		if data.Plan == nil || data.Plan.ID != "plan_term" || data.Plan.AssignmentCount != 3 {
			t.Fatalf("expected plan summary, got %+v", data.Plan)
		}
	}
}

func TestWidgetHiddenOutsideLeadWindow(t *testing.T) {
	service := newTestService(t, &fakeStore{})
	// 110+ days before the July 1 transition.
	service.now = func() time.Time { return time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC) }

	data, err := service.WidgetDataFor(context.Background(), Viewer{MemberID: "mem_1", Role: rbac.RolePresident})
	if err != nil {
		t.Fatalf("WidgetDataFor failed: %v", err)
	}
	if data.Visible {
		t.Fatal("widget must stay hidden outside the lead window")
	}
	if data.Plan != nil {
		t.Fatal("hidden widget must not carry a plan summary")
	}
}

func TestWidgetHiddenForNonWidgetRoles(t *testing.T) {
	dataStore := &fakeStore{
		findPlanForTermFn: func(context.Context, string) (*store.TransitionPlan, error) {
			return termPlan(), nil
		},
	}
	service := newTestService(t, dataStore)

	for _, role := range []rbac.Role{rbac.RoleMember, rbac.RoleVPActivities, rbac.RoleAdmin} {
		data, err := service.WidgetDataFor(context.Background(), Viewer{MemberID: "mem_1", Role: role})
		if err != nil {
			t.Fatalf("WidgetDataFor(%s) failed: %v", role, err)
		}
		if data.Visible {
			t.Fatalf("%s should not see the widget", role)
		}
		if data.Plan != nil {
			t.Fatalf("%s should not receive the plan summary", role)
		}
	}
}

func TestWidgetDayBoundaryRoundsUp(t *testing.T) {
	service := newTestService(t, &fakeStore{})
	// The morning before a midnight rollover is still one day out.
	service.now = func() time.Time { return time.Date(2026, time.June, 30, 8, 0, 0, 0, time.UTC) }

	data, err := service.WidgetDataFor(context.Background(), Viewer{MemberID: "mem_1", Role: rbac.RolePresident})
	if err != nil {
		t.Fatalf("WidgetDataFor failed: %v", err)
	}
	if data.DaysRemaining != 1 {
		t.Fatalf("expected 1 day remaining, got %d", data.DaysRemaining)
	}
}

func TestOversightRequiresCapability(t *testing.T) {
	service := newTestService(t, &fakeStore{})
	for _, role := range []rbac.Role{rbac.RolePresident, rbac.RoleMember, rbac.RoleWebmaster} {
		_, err := service.OversightDataFor(context.Background(), Viewer{MemberID: "mem_1", Role: role})
		assertDomainError(t, err, http.StatusForbidden, "FORBIDDEN")
	}
}

func TestOversightAlwaysReturnsDiagnostics(t *testing.T) {
	dataStore := &fakeStore{
		findPlanForTermFn: func(context.Context, string) (*store.TransitionPlan, error) {
			return termPlan(), nil
		},
		getPlanFn: func(context.Context, string) (store.TransitionPlan, error) {
			return *termPlan(), nil
		},
		countPendingPastDueFn: func(context.Context, time.Time) (int, error) { return 2, nil },
	}
	service := newTestService(t, dataStore)
	// Far outside the window; oversight still reports everything.
	service.now = func() time.Time { return time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC) }

	data, err := service.OversightDataFor(context.Background(), Viewer{MemberID: "mem_a", Role: rbac.RoleAdmin})
	if err != nil {
		t.Fatalf("OversightDataFor failed: %v", err)
	}
	if data.Visible {
		t.Fatal("visible flag should be false outside the window")
	}
	if data.Plan == nil || data.Plan.ID != "plan_term" {
		t.Fatalf("oversight always includes the plan summary, got %+v", data.Plan)
	}
	if data.LeadDays != 30 || data.PendingPastDueCount != 2 {
		t.Fatalf("unexpected diagnostics: %+v", data)
	}
}

func TestWidgetSnapshotCachedPerTerm(t *testing.T) {
	redisServer := miniredis.RunT(t)
	widgetCache, err := cache.NewWidgetCache("redis://"+redisServer.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer widgetCache.Close()

	lookups := 0
	dataStore := &fakeStore{
		findPlanForTermFn: func(context.Context, string) (*store.TransitionPlan, error) {
			lookups++
			return termPlan(), nil
		},
		getPlanFn: func(context.Context, string) (store.TransitionPlan, error) {
			return *termPlan(), nil
		},
	}
	calendar, err := termcal.New(termcal.Config{TransitionMonth: 7, TransitionDay: 1, LeadDays: 30})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service := NewService(dataStore, calendar, widgetCache, nil, logger)
	service.now = func() time.Time { return testNow }

	viewer := Viewer{MemberID: "mem_1", Role: rbac.RolePresident}
	if _, err := service.WidgetDataFor(context.Background(), viewer); err != nil {
		t.Fatalf("first widget call failed: %v", err)
	}
	if _, err := service.WidgetDataFor(context.Background(), viewer); err != nil {
		t.Fatalf("second widget call failed: %v", err)
	}
	if lookups != 1 {
		t.Fatalf("expected one store lookup with a warm cache, got %d", lookups)
	}

	// A cached snapshot never un-gates a non-widget role.
	data, err := service.WidgetDataFor(context.Background(), Viewer{MemberID: "mem_2", Role: rbac.RoleMember})
	if err != nil {
		t.Fatalf("member widget call failed: %v", err)
	}
	if data.Visible || data.Plan != nil {
		t.Fatalf("cached snapshot leaked through gating: %+v", data)
	}
}
