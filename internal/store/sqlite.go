package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"untild/internal/change"
	logx "untild/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", change.ErrStorage, err)
}

func (s *sqliteStore) Add(ctx context.Context, c change.Change) (string, error) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Status == "" {
		c.Status = change.StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_changes(id, target_id, kind, new_value, scheduled_at, created_by, created_at, status)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.TargetID, string(c.Kind), c.NewValue,
		c.ScheduledAt.Unix(), c.CreatedBy, c.CreatedAt.Unix(), string(c.Status),
	)
	if err != nil {
		return "", storageErr(err)
	}
	return c.ID, nil
}

const changeColumns = `id, target_id, kind, new_value, scheduled_at, created_by, created_at, status`

func scanChange(row interface{ Scan(...any) error }) (change.Change, error) {
	var c change.Change
	var scheduled, created int64
	var kind, status string
	if err := row.Scan(&c.ID, &c.TargetID, &kind, &c.NewValue, &scheduled, &c.CreatedBy, &created, &status); err != nil {
		return change.Change{}, err
	}
	c.Kind = change.Kind(kind)
	c.Status = change.Status(status)
	c.ScheduledAt = time.Unix(scheduled, 0)
	c.CreatedAt = time.Unix(created, 0)
	return c, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (change.Change, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM scheduled_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Change{}, change.ErrNotFound
	}
	if err != nil {
		return change.Change{}, storageErr(err)
	}
	return c, nil
}

// filterClause builds the WHERE fragment for a change.Filter.
// Returned args line up with the ? placeholders.
func filterClause(f change.Filter) (string, []any) {
	conds := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if f.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) List(ctx context.Context, f change.Filter, p change.Page) ([]change.Change, error) {
	p = p.OrDefault()
	where, args := filterClause(f)
	args = append(args, p.Limit, p.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM scheduled_changes`+where+
			` ORDER BY scheduled_at ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []change.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		out = append(out, c)
	}
	return out, storageErr(rows.Err())
}

func (s *sqliteStore) Count(ctx context.Context, f change.Filter) (int, error) {
	where, args := filterClause(f)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_changes`+where, args...).Scan(&n)
	return n, storageErr(err)
}

func (s *sqliteStore) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_changes SET status = ? WHERE id = ? AND status = ?`,
		string(change.StatusCancelled), id, string(change.StatusPending))
	if err != nil {
		return false, storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err)
	}
	return n > 0, nil
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time, limit int) ([]change.Change, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM scheduled_changes
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC LIMIT ?`,
		string(change.StatusPending), now.Unix(), limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []change.Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		out = append(out, c)
	}
	return out, storageErr(rows.Err())
}

// CommitExecution runs history-first inside a transaction. The history table
// keys on the change id, so a retried commit after a partial failure hits the
// conflict guard instead of inserting a duplicate.
func (s *sqliteStore) CommitExecution(ctx context.Context, id, oldValue, executedBy string, executedAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM scheduled_changes WHERE id = ? AND status = ?`,
		id, string(change.StatusPending))
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Absent or non-pending: possibly already committed. No-op either way.
		return false, nil
	}
	if err != nil {
		return false, storageErr(err)
	}

	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO history(id, target_id, kind, old_value, new_value, scheduled_at, executed_at, executed_by, created_by)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.TargetID, string(c.Kind), oldValue, c.NewValue,
		c.ScheduledAt.Unix(), executedAt.Unix(), executedBy, c.CreatedBy,
	)
	if err != nil {
		return false, storageErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// History already present from an earlier attempt; just finish the delete.
		s.log.Warn("history row already present on commit", logx.String("id", id))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_changes WHERE id = ?`, id); err != nil {
		return false, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr(err)
	}
	return true, nil
}

const historyColumns = `id, target_id, kind, old_value, new_value, scheduled_at, executed_at, executed_by, created_by`

func scanHistory(row interface{ Scan(...any) error }) (change.HistoryRecord, error) {
	var h change.HistoryRecord
	var scheduled, executed int64
	var kind string
	if err := row.Scan(&h.ID, &h.TargetID, &kind, &h.OldValue, &h.NewValue, &scheduled, &executed, &h.ExecutedBy, &h.CreatedBy); err != nil {
		return change.HistoryRecord{}, err
	}
	h.Kind = change.Kind(kind)
	h.ScheduledAt = time.Unix(scheduled, 0)
	h.ExecutedAt = time.Unix(executed, 0)
	return h, nil
}

func (s *sqliteStore) History(ctx context.Context, f change.Filter, p change.Page) ([]change.HistoryRecord, error) {
	p = p.OrDefault()
	f.Status = "" // history has no status column
	where, args := filterClause(f)
	args = append(args, p.Limit, p.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM history`+where+
			` ORDER BY executed_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []change.HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		out = append(out, h)
	}
	return out, storageErr(rows.Err())
}

func (s *sqliteStore) CountHistory(ctx context.Context, f change.Filter) (int, error) {
	f.Status = ""
	where, args := filterClause(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`+where, args...).Scan(&n)
	return n, storageErr(err)
}

func (s *sqliteStore) Stats(ctx context.Context, days int, now time.Time) (change.Stats, error) {
	if days <= 0 {
		days = 30
	}
	from := now.AddDate(0, 0, -days).Unix()
	st := change.Stats{Days: days}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM history WHERE executed_at >= ?`, from).Scan(&st.Total); err != nil {
		return st, storageErr(err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM history WHERE executed_at >= ? GROUP BY kind ORDER BY kind`, from)
	if err != nil {
		return st, storageErr(err)
	}
	for rows.Next() {
		var kc change.KindCount
		var kind string
		if err := rows.Scan(&kind, &kc.Count); err != nil {
			rows.Close()
			return st, storageErr(err)
		}
		kc.Kind = change.Kind(kind)
		st.ByKind = append(st.ByKind, kc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, storageErr(err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT target_id, COUNT(*) AS n FROM history WHERE executed_at >= ?
		 GROUP BY target_id ORDER BY n DESC LIMIT 5`, from)
	if err != nil {
		return st, storageErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc change.TargetCount
		if err := rows.Scan(&tc.TargetID, &tc.Count); err != nil {
			return st, storageErr(err)
		}
		st.TopTargets = append(st.TopTargets, tc)
	}
	return st, storageErr(rows.Err())
}

func (s *sqliteStore) PurgeHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE executed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr(err)
}

func (s *sqliteStore) Reconcile(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_changes WHERE id IN (SELECT id FROM history)`)
	if err != nil {
		return 0, storageErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr(err)
}
