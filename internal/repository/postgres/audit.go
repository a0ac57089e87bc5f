package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/saasops/adminservice/internal/audit"
)

// auditStore implements audit.Store. The table is append-only: this type
// issues inserts and selects only, and no other code touches the table.
type auditStore struct {
	store *Store
}

// Append writes the entry, chaining its hash to the current tail. A
// transaction-scoped advisory lock serializes chain extension; plain
// concurrent inserts would race on the previous hash. When the ctx carries
// an open transaction the append joins it, so the entry commits or rolls
// back together with the mutation it records.
func (s *auditStore) Append(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	err := s.store.Within(ctx, func(ctx context.Context) error {
		q := s.store.db(ctx)
		if _, err := q.Exec(ctx, `select pg_advisory_xact_lock(hashtext('audit_log'))`); err != nil {
			return fmt.Errorf("acquire audit lock: %w", err)
		}

		var prevHash string
		err := q.QueryRow(ctx, `
			select entry_hash from audit_log order by id desc limit 1
		`).Scan(&prevHash)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("read audit tail: %w", err)
		}

		e.PrevHash = prevHash
		e.EntryHash = audit.ComputeHash(prevHash, e)

		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}

		return q.QueryRow(ctx, `
			insert into audit_log (
				admin_id, roles, action, resource_type, resource_id,
				affected_user_id, details, ip, user_agent, created_at,
				prev_hash, entry_hash
			) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			returning id
		`, e.AdminID, e.Roles, e.Action, e.ResourceType, e.ResourceID,
			e.AffectedUserID, details, e.IP, e.UserAgent, e.CreatedAt,
			e.PrevHash, e.EntryHash).Scan(&e.ID)
	})
	if err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

func (s *auditStore) Query(ctx context.Context, f audit.Filter, p audit.Page) ([]audit.Entry, int64, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AdminID != "" {
		conds = append(conds, "admin_id = "+arg(f.AdminID))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+arg(f.Action))
	}
	if f.AffectedUserID != "" {
		conds = append(conds, "affected_user_id = "+arg(f.AffectedUserID))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < "+arg(f.To))
	}
	where := ""
	if len(conds) > 0 {
		where = "where " + strings.Join(conds, " and ")
	}

	var total int64
	if err := s.store.db(ctx).QueryRow(ctx,
		"select count(*) from audit_log "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	query := fmt.Sprintf(`
		select id, admin_id, roles, action, resource_type, resource_id,
			coalesce(affected_user_id, ''), details, coalesce(ip, ''),
			coalesce(user_agent, ''), created_at, prev_hash, entry_hash
		from audit_log %s
		order by id desc
		limit %s offset %s
	`, where, arg(p.Limit), arg(p.Offset))

	rows, err := s.store.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.AdminID, &e.Roles, &e.Action,
			&e.ResourceType, &e.ResourceID, &e.AffectedUserID, &details,
			&e.IP, &e.UserAgent, &e.CreatedAt, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, 0, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("decode audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
