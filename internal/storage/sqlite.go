package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"pricepush/internal/alert"
	"pricepush/internal/segment"
	"pricepush/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	st.log.Info("sqlite storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, action, task_id, kind, priority, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Action, nullStr(e.TaskID), nullStr(e.Kind), nullStr(e.Priority),
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, rec DedupRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, task_id, inserted_at, expires_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET task_id=excluded.task_id, inserted_at=excluded.inserted_at, expires_at=excluded.expires_at`,
		rec.Key, rec.TaskID, rec.InsertedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, time.Now())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (DedupRecord, bool, error) {
	if s == nil || s.db == nil {
		return DedupRecord{}, false, ErrDisabled
	}
	if key == "" {
		return DedupRecord{}, false, nil
	}
	var (
		rec      = DedupRecord{Key: key}
		ins, exp int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT task_id, inserted_at, expires_at FROM dedup WHERE key = ?`, key).
		Scan(&rec.TaskID, &ins, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return DedupRecord{}, false, nil
	}
	if err != nil {
		return DedupRecord{}, false, err
	}
	rec.InsertedAt = time.UnixMilli(ins)
	rec.ExpiresAt = time.UnixMilli(exp)
	return rec, true, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) SaveAlert(ctx context.Context, r alert.Rule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules(id, user_id, symbol, type, threshold, baseline_volume, status,
		   max_triggers, trigger_count, cooldown_minutes, last_triggered, created_at, seq)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM alert_rules))
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, symbol=excluded.symbol, type=excluded.type,
		   threshold=excluded.threshold, baseline_volume=excluded.baseline_volume, status=excluded.status,
		   max_triggers=excluded.max_triggers, trigger_count=excluded.trigger_count,
		   cooldown_minutes=excluded.cooldown_minutes, last_triggered=excluded.last_triggered`,
		r.ID, r.UserID, r.Symbol, string(r.Type), r.Threshold.String(), r.BaselineVolume.String(), string(r.Status),
		r.MaxTriggers, r.TriggerCount, r.CooldownMinutes, nullTime(r.LastTriggered), r.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) FindActiveAlerts(ctx context.Context) ([]alert.Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, type, threshold, baseline_volume, status,
		   max_triggers, trigger_count, cooldown_minutes, last_triggered, created_at
		 FROM alert_rules WHERE status = ? ORDER BY seq`, string(alert.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alert.Rule
	for rows.Next() {
		var (
			r               alert.Rule
			typ, status     string
			threshold, base string
			lastTrig        sql.NullInt64
			created         int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Symbol, &typ, &threshold, &base, &status,
			&r.MaxTriggers, &r.TriggerCount, &r.CooldownMinutes, &lastTrig, &created); err != nil {
			return nil, err
		}
		r.Type = alert.Type(typ)
		r.Status = alert.Status(status)
		if r.Threshold, err = decimal.NewFromString(threshold); err != nil {
			return nil, fmt.Errorf("alert rule %s threshold: %w", r.ID, err)
		}
		if r.BaselineVolume, err = decimal.NewFromString(base); err != nil {
			return nil, fmt.Errorf("alert rule %s baseline: %w", r.ID, err)
		}
		if lastTrig.Valid {
			r.LastTriggered = time.UnixMilli(lastTrig.Int64)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordTrigger(ctx context.Context, r alert.Rule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET trigger_count = ?, last_triggered = ?, status = ? WHERE id = ?`,
		r.TriggerCount, nullTime(r.LastTriggered), string(r.Status), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PutProfile(ctx context.Context, p segment.Profile) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.UserID == "" {
		return nil
	}
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles(user_id, segment, last_activity, preferences, seq)
		 VALUES(?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM profiles))
		 ON CONFLICT(user_id) DO UPDATE SET segment=excluded.segment,
		   last_activity=excluded.last_activity, preferences=excluded.preferences`,
		p.UserID, string(p.Segment), nullTime(p.LastActivity), string(prefs))
	return err
}

func (s *sqliteStore) GetProfile(ctx context.Context, userID string) (segment.Profile, bool, error) {
	if s == nil || s.db == nil {
		return segment.Profile{}, false, ErrDisabled
	}
	var (
		p     = segment.Profile{UserID: userID}
		seg   string
		last  sql.NullInt64
		prefs string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT segment, last_activity, preferences FROM profiles WHERE user_id = ?`, userID).
		Scan(&seg, &last, &prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return segment.Profile{}, false, nil
	}
	if err != nil {
		return segment.Profile{}, false, err
	}
	p.Segment = segment.Segment(seg)
	if last.Valid {
		p.LastActivity = time.UnixMilli(last.Int64)
	}
	if err := json.Unmarshal([]byte(prefs), &p.Preferences); err != nil {
		return segment.Profile{}, false, fmt.Errorf("profile %s preferences: %w", userID, err)
	}
	return p, true, nil
}

func (s *sqliteStore) ListUsers(ctx context.Context, seg segment.Segment) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		rows *sql.Rows
		err  error
	)
	if seg == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT user_id FROM profiles ORDER BY seq`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT user_id FROM profiles WHERE segment = ? ORDER BY seq`, string(seg))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
