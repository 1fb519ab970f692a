package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clubops/api/internal/cache"
	"clubops/api/internal/metrics"
	"clubops/api/internal/rbac"
	"clubops/api/internal/store"
	"clubops/api/internal/termcal"
	"clubops/api/internal/util"
)

// Viewer is the caller identity, taken from trusted proxy headers.
type Viewer struct {
	MemberID string
	Role     rbac.Role
}

type CreateAssignmentInput struct {
	CommitteeRoleID string `json:"committeeRoleId"`
	ServiceType     string `json:"serviceType"`
	RoleTitle       string `json:"roleTitle"`
	CommitteeID     string `json:"committeeId"`
	FromMemberID    string `json:"fromMemberId"`
	ToMemberID      string `json:"toMemberId"`
}

type CreatePlanInput struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	EffectiveAt time.Time               `json:"effectiveAt"`
	Assignments []CreateAssignmentInput `json:"assignments"`
}

type CancelPlanInput struct {
	Reason string `json:"reason"`
}

// ApproveInput optionally names the office the caller intends to approve
// as. The flag that gets set is always derived from the caller's role; a
// stated office that does not match is rejected rather than ignored.
type ApproveInput struct {
	ApproverRole string `json:"approverRole"`
}

type CreateServiceEntryInput struct {
	ServiceType string    `json:"serviceType"`
	RoleTitle   string    `json:"roleTitle"`
	CommitteeID string    `json:"committeeId"`
	EventID     string    `json:"eventId"`
	TermName    string    `json:"termName"`
	StartAt     time.Time `json:"startAt"`
}

// Plan assignments change hands at the term boundary. Event hosting is a
// per-event stint and enters the ledger ad hoc, not through a plan.
var planServiceTypes = map[string]struct{}{
	store.ServiceBoardOfficer:    {},
	store.ServiceCommitteeChair:  {},
	store.ServiceCommitteeMember: {},
}

var allServiceTypes = map[string]struct{}{
	store.ServiceBoardOfficer:    {},
	store.ServiceCommitteeChair:  {},
	store.ServiceCommitteeMember: {},
	store.ServiceEventHost:       {},
}

type dataStore interface {
	CreatePlan(context.Context, store.TransitionPlan) error
	GetPlan(context.Context, string) (store.TransitionPlan, error)
	ListPlans(context.Context, store.PlanFilter) ([]store.TransitionPlan, error)
	SubmitPlan(context.Context, string) (bool, error)
	SetPresidentApproval(context.Context, string, string, time.Time) (store.ApprovalResult, error)
	SetVPActivitiesApproval(context.Context, string, string, time.Time) (store.ApprovalResult, error)
	CancelPlan(context.Context, string, string, time.Time) (bool, error)
	DueApprovedPlans(context.Context, time.Time) ([]store.TransitionPlan, error)
	CountDuePlans(context.Context, time.Time) (int, error)
	CountPendingPastDue(context.Context, time.Time) (int, error)
	FindPlanForTerm(context.Context, string) (*store.TransitionPlan, error)
	ApplyPlan(context.Context, store.TransitionPlan, time.Time, string) (bool, error)
	FindActiveEntry(context.Context, store.RoleSlot) (*store.ServiceHistoryEntry, error)
	ListServiceHistoryForMember(context.Context, string) ([]store.ServiceHistoryEntry, error)
	CreateAdHocEntry(context.Context, store.ServiceHistoryEntry) error
	ExpiredEventHostEntries(context.Context, time.Time) ([]store.EventHostClosure, error)
	CloseEventHostEntry(context.Context, string, time.Time) (bool, error)
	Ping(context.Context) error
}

type Service struct {
	store    dataStore
	calendar *termcal.Calendar
	cache    *cache.WidgetCache
	metrics  *metrics.Scheduler
	logger   *slog.Logger
	notifier Notifier
	now      func() time.Time
}

// NewService wires the domain service. cache may be nil; the widget then
// always computes from the store.
func NewService(dataStore dataStore, calendar *termcal.Calendar, widgetCache *cache.WidgetCache, scheduler *metrics.Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	service := &Service{
		store:    dataStore,
		calendar: calendar,
		cache:    widgetCache,
		metrics:  scheduler,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	service.notifier = &logNotifier{logger: logger}
	return service
}

func (s *Service) SetNotifier(n Notifier) {
	if n != nil {
		s.notifier = n
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Create(ctx context.Context, viewer Viewer, input CreatePlanInput) (store.TransitionPlan, error) {
	caps := rbac.For(viewer.Role)
	if !caps.MayManagePlans {
		return store.TransitionPlan{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if strings.TrimSpace(input.Name) == "" {
		return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if input.EffectiveAt.IsZero() {
		return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "effectiveAt is required", nil)
	}
	if len(input.Assignments) == 0 {
		return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "at least one assignment is required", nil)
	}

	seen := map[string]int{}
	assignments := make([]store.Assignment, 0, len(input.Assignments))
	for i, item := range input.Assignments {
		if strings.TrimSpace(item.ToMemberID) == "" {
			return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "toMemberId is required", map[string]any{"position": i})
		}
		if strings.TrimSpace(item.CommitteeRoleID) == "" {
			return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "committeeRoleId is required", map[string]any{"position": i})
		}
		if strings.TrimSpace(item.RoleTitle) == "" {
			return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "roleTitle is required", map[string]any{"position": i})
		}
		if _, ok := planServiceTypes[item.ServiceType]; !ok {
			return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "serviceType must be BOARD_OFFICER, COMMITTEE_CHAIR or COMMITTEE_MEMBER", map[string]any{"position": i})
		}
		if item.ServiceType != store.ServiceBoardOfficer && strings.TrimSpace(item.CommitteeID) == "" {
			return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "committeeId is required for committee roles", map[string]any{"position": i})
		}
		key := item.ToMemberID + "|" + item.ServiceType + "|" + item.CommitteeID
		if prior, dup := seen[key]; dup {
			return store.TransitionPlan{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "duplicate assignment for the same member and role", map[string]any{"position": i, "conflictsWith": prior})
		}
		seen[key] = i
		assignments = append(assignments, store.Assignment{
			Position:        i,
			CommitteeRoleID: item.CommitteeRoleID,
			ServiceType:     item.ServiceType,
			RoleTitle:       item.RoleTitle,
			CommitteeID:     item.CommitteeID,
			FromMemberID:    item.FromMemberID,
			ToMemberID:      item.ToMemberID,
			StartAt:         input.EffectiveAt,
		})
	}

	plan := store.TransitionPlan{
		ID:             util.NewID("plan"),
		Name:           strings.TrimSpace(input.Name),
		Description:    input.Description,
		TargetTermName: s.calendar.TermNameFor(input.EffectiveAt),
		EffectiveAt:    input.EffectiveAt.UTC(),
		Status:         store.StatusDraft,
		CreatedBy:      viewer.MemberID,
		Assignments:    assignments,
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return store.TransitionPlan{}, err
	}
	return s.store.GetPlan(ctx, plan.ID)
}

func (s *Service) Get(ctx context.Context, viewer Viewer, planID string) (store.TransitionPlan, error) {
	if !canReadPlans(rbac.For(viewer.Role)) {
		return store.TransitionPlan{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.GetPlan(ctx, planID)
}

func (s *Service) List(ctx context.Context, viewer Viewer, filter store.PlanFilter) ([]store.TransitionPlan, error) {
	if !canReadPlans(rbac.For(viewer.Role)) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if filter.Status != "" {
		switch filter.Status {
		case store.StatusDraft, store.StatusPendingApproval, store.StatusApproved, store.StatusApplied, store.StatusCancelled:
		default:
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown status filter", nil)
		}
	}
	return s.store.ListPlans(ctx, filter)
}

// Submit moves a draft into the approval stage. The store update is
// conditional on DRAFT, so a stale submit reports CONFLICT rather than
// re-running the transition.
func (s *Service) Submit(ctx context.Context, viewer Viewer, planID string) (store.TransitionPlan, error) {
	if !rbac.For(viewer.Role).MayManagePlans {
		return store.TransitionPlan{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	updated, err := s.store.SubmitPlan(ctx, planID)
	if err != nil {
		return store.TransitionPlan{}, err
	}
	if !updated {
		return store.TransitionPlan{}, s.conflictOrNotFound(ctx, planID, "plan is not in DRAFT")
	}
	return s.store.GetPlan(ctx, planID)
}

// Approve records the viewer's office approval. Which flag is set follows
// from the viewer's role; a declared approverRole only cross-checks it.
func (s *Service) Approve(ctx context.Context, viewer Viewer, planID string, input ApproveInput) (store.TransitionPlan, error) {
	caps := rbac.For(viewer.Role)
	var office string
	var setApproval func(context.Context, string, string, time.Time) (store.ApprovalResult, error)
	switch {
	case caps.MayApprovePresident:
		office = string(rbac.RolePresident)
		setApproval = s.store.SetPresidentApproval
	case caps.MayApproveVP:
		office = string(rbac.RoleVPActivities)
		setApproval = s.store.SetVPActivitiesApproval
	default:
		return store.TransitionPlan{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if declared := strings.TrimSpace(input.ApproverRole); declared != "" && declared != office {
		return store.TransitionPlan{}, domainError(http.StatusForbidden, "FORBIDDEN", "approverRole does not match the caller's approval capability", map[string]any{"approverRole": declared})
	}

	result, err := setApproval(ctx, planID, viewer.MemberID, s.now())
	if err != nil {
		return store.TransitionPlan{}, err
	}
	if !result.Updated {
		return store.TransitionPlan{}, s.classifyApprovalMiss(ctx, planID, viewer.Role)
	}

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return store.TransitionPlan{}, err
	}
	if result.Advanced {
		s.logger.Info("plan fully approved", "planId", planID, "term", plan.TargetTermName)
		s.invalidateWidget(ctx, plan.TargetTermName)
	}
	return plan, nil
}

func (s *Service) Cancel(ctx context.Context, viewer Viewer, planID string, input CancelPlanInput) (store.TransitionPlan, error) {
	if !rbac.For(viewer.Role).MayManagePlans {
		return store.TransitionPlan{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	updated, err := s.store.CancelPlan(ctx, planID, strings.TrimSpace(input.Reason), s.now())
	if err != nil {
		return store.TransitionPlan{}, err
	}
	if !updated {
		return store.TransitionPlan{}, s.conflictOrNotFound(ctx, planID, "plan is already applied or cancelled")
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return store.TransitionPlan{}, err
	}
	s.invalidateWidget(ctx, plan.TargetTermName)
	return plan, nil
}

func (s *Service) ServiceHistory(ctx context.Context, viewer Viewer, memberID string) ([]store.ServiceHistoryEntry, error) {
	caps := rbac.For(viewer.Role)
	if viewer.MemberID != memberID && !caps.MayManagePlans && !caps.MayOversee {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListServiceHistoryForMember(ctx, memberID)
}

// CreateServiceEntry opens a ledger entry outside the plan workflow. This
// is how event-host stints enter the ledger; the scheduler closes them when
// the event ends.
func (s *Service) CreateServiceEntry(ctx context.Context, viewer Viewer, memberID string, input CreateServiceEntryInput) (store.ServiceHistoryEntry, error) {
	if !rbac.For(viewer.Role).MayManagePlans {
		return store.ServiceHistoryEntry{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if strings.TrimSpace(memberID) == "" {
		return store.ServiceHistoryEntry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "memberId is required", nil)
	}
	if _, ok := allServiceTypes[input.ServiceType]; !ok {
		return store.ServiceHistoryEntry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown serviceType", nil)
	}
	if strings.TrimSpace(input.RoleTitle) == "" {
		return store.ServiceHistoryEntry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "roleTitle is required", nil)
	}
	if input.ServiceType == store.ServiceEventHost && strings.TrimSpace(input.EventID) == "" {
		return store.ServiceHistoryEntry{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "eventId is required for EVENT_HOST", nil)
	}
	// Single-holder slots surface a clean conflict here; the partial unique
	// index still backstops races.
	if input.ServiceType != store.ServiceCommitteeMember {
		slot := store.RoleSlot{ServiceType: input.ServiceType, CommitteeID: input.CommitteeID, EventID: input.EventID}
		active, err := s.store.FindActiveEntry(ctx, slot)
		if err != nil {
			return store.ServiceHistoryEntry{}, err
		}
		if active != nil {
			return store.ServiceHistoryEntry{}, domainError(http.StatusConflict, "CONFLICT", "role slot already has an active holder", map[string]any{"memberId": active.MemberID})
		}
	}
	startAt := input.StartAt
	if startAt.IsZero() {
		startAt = s.now()
	}
	entry := store.ServiceHistoryEntry{
		ID:          util.NewID("svc"),
		MemberID:    memberID,
		ServiceType: input.ServiceType,
		RoleTitle:   strings.TrimSpace(input.RoleTitle),
		CommitteeID: input.CommitteeID,
		EventID:     input.EventID,
		TermName:    input.TermName,
		StartAt:     startAt.UTC(),
		CreatedBy:   viewer.MemberID,
	}
	if err := s.store.CreateAdHocEntry(ctx, entry); err != nil {
		return store.ServiceHistoryEntry{}, err
	}
	return entry, nil
}

// classifyApprovalMiss turns a zero-row approval update into the right
// client error by re-reading the plan.
func (s *Service) classifyApprovalMiss(ctx context.Context, planID string, role rbac.Role) error {
	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Plan not found", nil)
	}
	if err != nil {
		return err
	}
	if plan.Status != store.StatusPendingApproval {
		return domainError(http.StatusConflict, "CONFLICT", "plan is not awaiting approval", map[string]any{"status": plan.Status})
	}
	return domainError(http.StatusConflict, "CONFLICT", "this office has already approved the plan", map[string]any{"role": role})
}

func (s *Service) conflictOrNotFound(ctx context.Context, planID, message string) error {
	plan, err := s.store.GetPlan(ctx, planID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Plan not found", nil)
	}
	if err != nil {
		return err
	}
	return domainError(http.StatusConflict, "CONFLICT", message, map[string]any{"status": plan.Status})
}

func (s *Service) invalidateWidget(ctx context.Context, termName string) {
	if s.cache == nil || termName == "" {
		return
	}
	if err := s.cache.Invalidate(ctx, termName); err != nil {
		s.logger.Warn("widget cache invalidate failed", "term", termName, "error", err)
	}
}

func canReadPlans(caps rbac.Capabilities) bool {
	return caps.MayManagePlans || caps.MayOversee || caps.MayApprovePresident || caps.MayApproveVP
}
