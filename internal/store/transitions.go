package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const planColumns = `
	id, name, description, target_term_name, effective_at, status,
	president_approved, COALESCE(president_approved_by, ''), president_approved_at,
	vp_activities_approved, COALESCE(vp_activities_approved_by, ''), vp_activities_approved_at,
	created_by, created_at, applied_at, cancelled_at, COALESCE(cancel_reason, '')
`

func scanPlan(row interface{ Scan(...any) error }) (TransitionPlan, error) {
	var plan TransitionPlan
	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.Description,
		&plan.TargetTermName,
		&plan.EffectiveAt,
		&plan.Status,
		&plan.PresidentApproved,
		&plan.PresidentApprovedBy,
		&plan.PresidentApprovedAt,
		&plan.VPActivitiesApproved,
		&plan.VPActivitiesApprovedBy,
		&plan.VPActivitiesApprovedAt,
		&plan.CreatedBy,
		&plan.CreatedAt,
		&plan.AppliedAt,
		&plan.CancelledAt,
		&plan.CancelReason,
	)
	return plan, err
}

// CreatePlan inserts the plan and its assignments in one transaction.
func (s *PostgresStore) CreatePlan(ctx context.Context, plan TransitionPlan) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create plan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transition_plan (id, name, description, target_term_name, effective_at, status, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, plan.ID, plan.Name, plan.Description, plan.TargetTermName, plan.EffectiveAt, plan.Status, plan.CreatedBy); err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	for _, assignment := range plan.Assignments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transition_assignment
				(plan_id, position, committee_role_id, service_type, role_title, committee_id, from_member_id, to_member_id, start_at, end_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
		`,
			plan.ID,
			assignment.Position,
			assignment.CommitteeRoleID,
			assignment.ServiceType,
			assignment.RoleTitle,
			assignment.CommitteeID,
			assignment.FromMemberID,
			assignment.ToMemberID,
			assignment.StartAt,
			assignment.EndAt,
		); err != nil {
			return fmt.Errorf("insert assignment %d: %w", assignment.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create plan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (TransitionPlan, error) {
	plan, err := scanPlan(s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM transition_plan
		WHERE id=$1
	`, planID))
	if err != nil {
		return TransitionPlan{}, err
	}
	assignments, err := s.listAssignments(ctx, planID)
	if err != nil {
		return TransitionPlan{}, err
	}
	plan.Assignments = assignments
	plan.AssignmentCount = len(assignments)
	return plan, nil
}

func (s *PostgresStore) listAssignments(ctx context.Context, planID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, position, committee_role_id, service_type, role_title,
			COALESCE(committee_id, ''), COALESCE(from_member_id, ''), to_member_id, start_at, end_at
		FROM transition_assignment
		WHERE plan_id=$1
		ORDER BY position ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	items := make([]Assignment, 0)
	for rows.Next() {
		var item Assignment
		if err := rows.Scan(
			&item.ID,
			&item.PlanID,
			&item.Position,
			&item.CommitteeRoleID,
			&item.ServiceType,
			&item.RoleTitle,
			&item.CommitteeID,
			&item.FromMemberID,
			&item.ToMemberID,
			&item.StartAt,
			&item.EndAt,
		); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context, filter PlanFilter) ([]TransitionPlan, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var from, to time.Time
	if filter.EffectiveFrom != nil {
		from = *filter.EffectiveFrom
	}
	if filter.EffectiveTo != nil {
		to = *filter.EffectiveTo
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`,
			(SELECT COUNT(*) FROM transition_assignment a WHERE a.plan_id = transition_plan.id) AS assignment_count
		FROM transition_plan
		WHERE ($1='' OR status=$1)
		  AND ($2::timestamptz IS NULL OR effective_at >= $2)
		  AND ($3::timestamptz IS NULL OR effective_at <= $3)
		ORDER BY effective_at ASC, created_at ASC
		LIMIT $4 OFFSET $5
	`, filter.Status, nullableTime(from), nullableTime(to), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	items := make([]TransitionPlan, 0)
	for rows.Next() {
		var plan TransitionPlan
		if err := rows.Scan(
			&plan.ID,
			&plan.Name,
			&plan.Description,
			&plan.TargetTermName,
			&plan.EffectiveAt,
			&plan.Status,
			&plan.PresidentApproved,
			&plan.PresidentApprovedBy,
			&plan.PresidentApprovedAt,
			&plan.VPActivitiesApproved,
			&plan.VPActivitiesApprovedBy,
			&plan.VPActivitiesApprovedAt,
			&plan.CreatedBy,
			&plan.CreatedAt,
			&plan.AppliedAt,
			&plan.CancelledAt,
			&plan.CancelReason,
			&plan.AssignmentCount,
		); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SubmitPlan moves DRAFT to PENDING_APPROVAL. False means the plan was not
// in DRAFT (or does not exist).
func (s *PostgresStore) SubmitPlan(ctx context.Context, planID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transition_plan
		SET status=$2
		WHERE id=$1 AND status=$3
	`, planID, StatusPendingApproval, StatusDraft)
	if err != nil {
		return false, fmt.Errorf("submit plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("submit plan rows: %w", err)
	}
	return affected > 0, nil
}

// SetPresidentApproval sets the president flag if it is still unset and the
// plan is awaiting approval, then advances the plan to APPROVED in the same
// transaction when both flags are set. The conditional updates make
// concurrent approvals race-safe without in-process locks: a same-flag race
// resolves to one update and one zero-row miss, and the advance fires for
// exactly one of two different-flag approvers.
func (s *PostgresStore) SetPresidentApproval(ctx context.Context, planID, approverID string, at time.Time) (ApprovalResult, error) {
	return s.setApproval(ctx, planID, `
		UPDATE transition_plan
		SET president_approved=TRUE, president_approved_by=$2, president_approved_at=$3
		WHERE id=$1 AND status='PENDING_APPROVAL' AND president_approved=FALSE
	`, approverID, at)
}

// SetVPActivitiesApproval is the VP-activities counterpart of
// SetPresidentApproval.
func (s *PostgresStore) SetVPActivitiesApproval(ctx context.Context, planID, approverID string, at time.Time) (ApprovalResult, error) {
	return s.setApproval(ctx, planID, `
		UPDATE transition_plan
		SET vp_activities_approved=TRUE, vp_activities_approved_by=$2, vp_activities_approved_at=$3
		WHERE id=$1 AND status='PENDING_APPROVAL' AND vp_activities_approved=FALSE
	`, approverID, at)
}

func (s *PostgresStore) setApproval(ctx context.Context, planID, flagUpdate, approverID string, at time.Time) (ApprovalResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("begin approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, flagUpdate, planID, approverID, at)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("set approval flag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("set approval flag rows: %w", err)
	}
	if affected == 0 {
		return ApprovalResult{}, nil
	}

	// Advance from the post-update row state so the second of two
	// concurrent approvals is the one that flips the status.
	advance, err := tx.ExecContext(ctx, `
		UPDATE transition_plan
		SET status='APPROVED'
		WHERE id=$1 AND status='PENDING_APPROVAL'
		  AND president_approved AND vp_activities_approved
	`, planID)
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("advance to approved: %w", err)
	}
	advanced, err := advance.RowsAffected()
	if err != nil {
		return ApprovalResult{}, fmt.Errorf("advance rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ApprovalResult{}, fmt.Errorf("commit approval: %w", err)
	}
	return ApprovalResult{Updated: true, Advanced: advanced > 0}, nil
}

// CancelPlan cancels from any non-terminal state. False means the plan was
// already APPLIED or CANCELLED (or does not exist).
func (s *PostgresStore) CancelPlan(ctx context.Context, planID, reason string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE transition_plan
		SET status='CANCELLED', cancelled_at=$2, cancel_reason=$3
		WHERE id=$1 AND status IN ('DRAFT', 'PENDING_APPROVAL', 'APPROVED')
	`, planID, at, reason)
	if err != nil {
		return false, fmt.Errorf("cancel plan: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel plan rows: %w", err)
	}
	return affected > 0, nil
}

// DueApprovedPlans returns plans eligible for application, oldest first,
// with assignments loaded.
func (s *PostgresStore) DueApprovedPlans(ctx context.Context, now time.Time) ([]TransitionPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM transition_plan
		WHERE status='APPROVED' AND effective_at <= $1
		ORDER BY effective_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due plans: %w", err)
	}
	defer rows.Close()

	items := make([]TransitionPlan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due plan: %w", err)
		}
		items = append(items, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due plans: %w", err)
	}
	for i := range items {
		assignments, err := s.listAssignments(ctx, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Assignments = assignments
		items[i].AssignmentCount = len(assignments)
	}
	return items, nil
}

func (s *PostgresStore) CountDuePlans(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transition_plan WHERE status='APPROVED' AND effective_at <= $1
	`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count due plans: %w", err)
	}
	return count, nil
}

// CountPendingPastDue counts plans whose effective date has passed while
// still awaiting approval. They are never auto-resolved; monitoring alarms
// on this number instead.
func (s *PostgresStore) CountPendingPastDue(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transition_plan WHERE status='PENDING_APPROVAL' AND effective_at <= $1
	`, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending past due: %w", err)
	}
	return count, nil
}

// FindPlanForTerm returns the most recently created APPROVED or
// PENDING_APPROVAL plan targeting the named term, or nil.
func (s *PostgresStore) FindPlanForTerm(ctx context.Context, termName string) (*TransitionPlan, error) {
	plan, err := scanPlan(s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM transition_plan
		WHERE target_term_name=$1 AND status IN ('APPROVED', 'PENDING_APPROVAL')
		ORDER BY CASE status WHEN 'APPROVED' THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1
	`, termName))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find plan for term: %w", err)
	}
	assignments, err := s.listAssignments(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	plan.Assignments = assignments
	plan.AssignmentCount = len(assignments)
	return &plan, nil
}

// ApplyPlan applies one due plan inside a single transaction. The status
// flip is a conditional update so a concurrent applier run loses cleanly:
// zero rows affected means someone else already applied or cancelled the
// plan, reported as (false, nil). Any failure rolls the whole plan back.
func (s *PostgresStore) ApplyPlan(ctx context.Context, plan TransitionPlan, now time.Time, actor string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply plan: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE transition_plan
		SET status='APPLIED', applied_at=$2
		WHERE id=$1 AND status='APPROVED'
	`, plan.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark plan applied: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark plan applied rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	for _, assignment := range plan.Assignments {
		if err := closeActiveInTx(ctx, tx, assignment, plan.EffectiveAt); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_history_entry
				(id, member_id, service_type, role_title, committee_id, event_id, term_name, start_at, created_by, source_transition_plan_id)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULL, $6, $7, $8, $9)
		`,
			newEntryID(),
			assignment.ToMemberID,
			assignment.ServiceType,
			assignment.RoleTitle,
			assignment.CommitteeID,
			plan.TargetTermName,
			plan.EffectiveAt,
			actor,
			plan.ID,
		); err != nil {
			return false, fmt.Errorf("insert service history for role %s: %w", assignment.CommitteeRoleID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit apply plan: %w", err)
	}
	return true, nil
}

// closeActiveInTx ends the outgoing holder's active ledger entry at the
// plan's effective instant. For single-holder seats an assignment without a
// fromMember hands over whatever the seat currently holds. Committee
// membership admits many concurrent holders, so without an outgoing member
// there is nothing to close and the assignment only adds a seat.
func closeActiveInTx(ctx context.Context, tx *sql.Tx, assignment Assignment, endAt time.Time) error {
	if assignment.FromMemberID == "" && assignment.ServiceType == ServiceCommitteeMember {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_history_entry
		SET end_at=$1
		WHERE end_at IS NULL
		  AND service_type=$2
		  AND COALESCE(committee_id, '')=$3
		  AND event_id IS NULL
		  AND ($4='' OR member_id=$4)
	`, endAt, assignment.ServiceType, assignment.CommitteeID, assignment.FromMemberID); err != nil {
		return fmt.Errorf("close active entry for role %s: %w", assignment.CommitteeRoleID, err)
	}
	return nil
}
