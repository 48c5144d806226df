package storage

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

	"knowtifd/internal/classify"
	logx "knowtifd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	flagPaused    = "paused"
	flagConnected = "connected"
	flagCursor    = "cursor"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
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

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
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

func (s *sqliteStore) History(ctx context.Context) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, message, category, url, source_topic, created_at, read
		 FROM history ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n         Notification
			cat       string
			url       sql.NullString
			topic     sql.NullString
			createdAt string
			read      int
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Message, &cat, &url, &topic, &createdAt, &read); err != nil {
			return nil, err
		}
		n.Category = categoryFrom(cat)
		n.URL = url.String
		n.SourceTopic = topic.String
		n.Read = read != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			n.CreatedAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendHistory(ctx context.Context, n Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history(id, title, message, category, url, source_topic, created_at, read)
		 VALUES(?,?,?,?,?,?,?,?)`,
		n.ID, n.Title, n.Message, string(n.Category), nullStr(n.URL), nullStr(n.SourceTopic),
		n.CreatedAt.Format(time.RFC3339Nano), boolInt(n.Read),
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM history WHERE seq NOT IN (SELECT seq FROM history ORDER BY seq DESC LIMIT ?)`,
		HistoryCap,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ReplaceHistory(ctx context.Context, ns []Notification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return err
	}
	if len(ns) > HistoryCap {
		ns = ns[:HistoryCap]
	}
	// ns arrives newest-first; insert oldest-first so seq order matches.
	for i := len(ns) - 1; i >= 0; i-- {
		n := ns[i]
		_, err := tx.ExecContext(ctx,
			`INSERT INTO history(id, title, message, category, url, source_topic, created_at, read)
			 VALUES(?,?,?,?,?,?,?,?)`,
			n.ID, n.Title, n.Message, string(n.Category), nullStr(n.URL), nullStr(n.SourceTopic),
			n.CreatedAt.Format(time.RFC3339Nano), boolInt(n.Read),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Paused(ctx context.Context) (bool, error) {
	v, ok, err := s.flag(ctx, flagPaused)
	return ok && v != 0, err
}

func (s *sqliteStore) SetPaused(ctx context.Context, v bool) error {
	return s.setFlag(ctx, flagPaused, int64(boolInt(v)))
}

func (s *sqliteStore) Connected(ctx context.Context) (bool, error) {
	v, ok, err := s.flag(ctx, flagConnected)
	return ok && v != 0, err
}

func (s *sqliteStore) SetConnected(ctx context.Context, v bool) error {
	if err := s.setFlag(ctx, flagConnected, int64(boolInt(v))); err != nil {
		s.log.Debug("connected flag write failed", logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) Cursor(ctx context.Context) (int64, bool, error) {
	return s.flag(ctx, flagCursor)
}

func (s *sqliteStore) SetCursor(ctx context.Context, sec int64) error {
	return s.setFlag(ctx, flagCursor, sec)
}

func (s *sqliteStore) PutAlertURL(ctx context.Context, alertID, url string) error {
	if alertID == "" || url == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_urls(alert_id, url) VALUES(?,?)
		 ON CONFLICT(alert_id) DO UPDATE SET url=excluded.url`,
		alertID, url,
	)
	return err
}

func (s *sqliteStore) TakeAlertURL(ctx context.Context, alertID string) (string, bool, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM alert_urls WHERE alert_id = ?`, alertID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alert_urls WHERE alert_id = ?`, alertID); err != nil {
		return "", false, err
	}
	return url, true, nil
}

func (s *sqliteStore) flag(ctx context.Context, name string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) setFlag(ctx context.Context, name string, v int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flags(name, value) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		name, v,
	)
	return err
}

func categoryFrom(s string) classify.Category {
	switch s {
	case string(classify.Success):
		return classify.Success
	case string(classify.Failure):
		return classify.Failure
	default:
		return classify.Info
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
