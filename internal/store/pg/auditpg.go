package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicore.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

// Append writes a flush batch in one transaction so a partial batch never
// lands: the chain either advances by the whole batch or not at all.
func (s *Store) Append(ctx context.Context, entries []*audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit entry %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into audit_log (id, ts, tenant_id, user_id, action, resource, resource_type, risk_level, entry)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, e.ID, e.Timestamp, e.TenantID, e.UserID, e.Action, e.Resource, e.ResourceType, e.Security.RiskLevel, payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*audit.Entry, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `select entry from audit_log where id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry audit.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decode audit entry: %w", err)
	}
	return &entry, nil
}

func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]*audit.Entry, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.Resource != "" {
		add("resource = $%d", filter.Resource)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.RiskLevel != "" {
		add("risk_level = $%d", filter.RiskLevel)
	}
	if !filter.From.IsZero() {
		add("ts >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("ts <= $%d", filter.To)
	}

	query := `select entry from audit_log`
	if len(clauses) > 0 {
		query += " where " + strings.Join(clauses, " and ")
	}
	query += " order by id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry audit.Entry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Archive moves entries older than before into audit_archive in one
// transaction and returns the moved count.
func (s *Store) Archive(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into audit_archive (id, ts, tenant_id, user_id, action, resource, resource_type, risk_level, entry)
		select id, ts, tenant_id, user_id, action, resource, resource_type, risk_level, entry
		from audit_log where ts < $1
	`, before)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `delete from audit_log where ts < $1`, before); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(moved), nil
}
