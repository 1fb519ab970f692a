package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clubops/api/internal/util"
)

func newEntryID() string {
	return util.NewID("svc")
}

const entryColumns = `
	id, member_id, service_type, role_title,
	COALESCE(committee_id, ''), COALESCE(event_id, ''), COALESCE(term_name, ''),
	start_at, end_at, created_by, COALESCE(source_transition_plan_id, ''), created_at
`

func scanEntry(row interface{ Scan(...any) error }) (ServiceHistoryEntry, error) {
	var entry ServiceHistoryEntry
	err := row.Scan(
		&entry.ID,
		&entry.MemberID,
		&entry.ServiceType,
		&entry.RoleTitle,
		&entry.CommitteeID,
		&entry.EventID,
		&entry.TermName,
		&entry.StartAt,
		&entry.EndAt,
		&entry.CreatedBy,
		&entry.SourceTransitionPlanID,
		&entry.CreatedAt,
	)
	return entry, err
}

// FindActiveEntry returns the open entry for a slot, or nil. For slots that
// admit several concurrent holders (committee members) this returns an
// arbitrary one; callers that care pass the member through the slot query
// instead.
func (s *PostgresStore) FindActiveEntry(ctx context.Context, slot RoleSlot) (*ServiceHistoryEntry, error) {
	entry, err := scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM service_history_entry
		WHERE end_at IS NULL
		  AND service_type=$1
		  AND COALESCE(committee_id, '')=$2
		  AND COALESCE(event_id, '')=$3
		ORDER BY start_at DESC
		LIMIT 1
	`, slot.ServiceType, slot.CommitteeID, slot.EventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active entry: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) ListServiceHistoryForMember(ctx context.Context, memberID string) ([]ServiceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM service_history_entry
		WHERE member_id=$1
		ORDER BY start_at DESC, created_at DESC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list service history: %w", err)
	}
	defer rows.Close()

	items := make([]ServiceHistoryEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan service history: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service history: %w", err)
	}
	return items, nil
}

// CreateAdHocEntry opens a ledger entry outside any transition plan, such
// as an event-host term created when hosting is confirmed.
func (s *PostgresStore) CreateAdHocEntry(ctx context.Context, entry ServiceHistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_history_entry
			(id, member_id, service_type, role_title, committee_id, event_id, term_name, start_at, created_by, source_transition_plan_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, NULL)
	`,
		entry.ID,
		entry.MemberID,
		entry.ServiceType,
		entry.RoleTitle,
		entry.CommitteeID,
		entry.EventID,
		entry.TermName,
		entry.StartAt,
		entry.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("create ad-hoc entry: %w", err)
	}
	return nil
}

// ExpiredEventHostEntries lists open EVENT_HOST entries whose linked event
// has already ended, oldest event first.
func (s *PostgresStore) ExpiredEventHostEntries(ctx context.Context, now time.Time) ([]EventHostClosure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, ev.id, ev.ends_at
		FROM service_history_entry e
		JOIN event ev ON ev.id = e.event_id
		WHERE e.service_type='EVENT_HOST' AND e.end_at IS NULL AND ev.ends_at < $1
		ORDER BY ev.ends_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired event hosts: %w", err)
	}
	defer rows.Close()

	items := make([]EventHostClosure, 0)
	for rows.Next() {
		var item EventHostClosure
		if err := rows.Scan(&item.EntryID, &item.EventID, &item.EndsAt); err != nil {
			return nil, fmt.Errorf("scan expired event host: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired event hosts: %w", err)
	}
	return items, nil
}

// CloseEventHostEntry closes one entry at the event's end time. The
// condition on end_at makes re-closing a no-op, so the sweep is idempotent
// under at-least-once cron delivery.
func (s *PostgresStore) CloseEventHostEntry(ctx context.Context, entryID string, endAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE service_history_entry
		SET end_at=$2
		WHERE id=$1 AND end_at IS NULL
	`, entryID, endAt)
	if err != nil {
		return false, fmt.Errorf("close event host entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close event host entry rows: %w", err)
	}
	return affected > 0, nil
}
