package store

import "time"

const (
	StatusDraft           = "DRAFT"
	StatusPendingApproval = "PENDING_APPROVAL"
	StatusApproved        = "APPROVED"
	StatusApplied         = "APPLIED"
	StatusCancelled       = "CANCELLED"
)

const (
	ServiceBoardOfficer    = "BOARD_OFFICER"
	ServiceCommitteeChair  = "COMMITTEE_CHAIR"
	ServiceCommitteeMember = "COMMITTEE_MEMBER"
	ServiceEventHost       = "EVENT_HOST"
)

type TransitionPlan struct {
	ID                    string
	Name                  string
	Description           string
	TargetTermName        string
	EffectiveAt           time.Time
	Status                string
	PresidentApproved     bool
	PresidentApprovedBy   string
	PresidentApprovedAt   *time.Time
	VPActivitiesApproved  bool
	VPActivitiesApprovedBy string
	VPActivitiesApprovedAt *time.Time
	CreatedBy             string
	CreatedAt             time.Time
	AppliedAt             *time.Time
	CancelledAt           *time.Time
	CancelReason          string
	Assignments           []Assignment
	AssignmentCount       int
}

// Assignment is one role changing hands inside a plan. ServiceType,
// RoleTitle and CommitteeID are denormalized from the committee role at
// creation time so the applier can write ledger rows without reaching into
// the roles module.
type Assignment struct {
	ID              int64
	PlanID          string
	Position        int
	CommitteeRoleID string
	ServiceType     string
	RoleTitle       string
	CommitteeID     string
	FromMemberID    string
	ToMemberID      string
	StartAt         time.Time
	EndAt           *time.Time
}

// RoleSlot identifies "this role, in this committee/event" independent of
// who currently holds it.
type RoleSlot struct {
	ServiceType string
	CommitteeID string
	EventID     string
}

type ServiceHistoryEntry struct {
	ID                     string
	MemberID               string
	ServiceType            string
	RoleTitle              string
	CommitteeID            string
	EventID                string
	TermName               string
	StartAt                time.Time
	EndAt                  *time.Time
	CreatedBy              string
	SourceTransitionPlanID string
	CreatedAt              time.Time
}

func (e ServiceHistoryEntry) IsActive() bool { return e.EndAt == nil }

func (e ServiceHistoryEntry) Slot() RoleSlot {
	return RoleSlot{ServiceType: e.ServiceType, CommitteeID: e.CommitteeID, EventID: e.EventID}
}

// EventHostClosure pairs an open EVENT_HOST entry with the end time of its
// linked event.
type EventHostClosure struct {
	EntryID  string
	EventID  string
	EndsAt   time.Time
}

type PlanFilter struct {
	Status        string
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
	Limit         int
	Offset        int
}

// ApprovalResult reports what a conditional approval update did.
type ApprovalResult struct {
	// Updated is false when the flag was not set: the plan is missing, not
	// awaiting approval, or that flag was already set.
	Updated bool
	// Advanced is true when this approval was the second one and the plan
	// moved to APPROVED inside the same transaction.
	Advanced bool
}
