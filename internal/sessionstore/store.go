package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duetlabs/duet-core/internal/analytics"
	"github.com/duetlabs/duet-core/internal/config"
	"github.com/duetlabs/duet-core/internal/protocol"
	_ "modernc.org/sqlite"
)

// Store archives finished transcripts and their closing reports in
// SQLite. In ephemeral mode nothing touches disk and every method is a
// no-op, which is the default: the live pipeline never depends on
// persistence.
type Store struct {
	db    *sql.DB
	cfg   config.SessionStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the session store according to config.
func Open(ctx context.Context, cfg config.SessionStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("session store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("session store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    quality REAL,
    report BLOB
);
CREATE TABLE IF NOT EXISTS segments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    text TEXT NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    confidence REAL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_session_start ON segments(session_id, start_ms);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records the start of a session.
func (s *Store) BeginSession(ctx context.Context, sessionID string) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, s.clock().UTC())
	return err
}

// AppendSegment archives one accepted segment.
func (s *Store) AppendSegment(ctx context.Context, seg protocol.Segment) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(session_id, channel, text, start_ms, end_ms, confidence, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		seg.SessionID, string(seg.Channel), seg.Text,
		seg.Start.Milliseconds(), seg.End.Milliseconds(), seg.Confidence,
		s.clock().UTC())
	return err
}

// FinishSession stores the closing report against the session row.
func (s *Store) FinishSession(ctx context.Context, sessionID string, report analytics.Report) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, quality = ?, report = ? WHERE session_id = ?`,
		s.clock().UTC(), report.Quality, payload, sessionID)
	return err
}

// ListSegments retrieves up to limit segments for a session in timeline order.
func (s *Store) ListSegments(ctx context.Context, sessionID string, limit int) ([]protocol.Segment, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, channel, text, start_ms, end_ms, confidence
		 FROM segments WHERE session_id = ? ORDER BY start_ms ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []protocol.Segment
	for rows.Next() {
		var seg protocol.Segment
		var channel string
		var startMS, endMS int64
		if err := rows.Scan(&seg.SessionID, &channel, &seg.Text, &startMS, &endMS, &seg.Confidence); err != nil {
			return nil, err
		}
		seg.Channel = protocol.Channel(channel)
		seg.Start = time.Duration(startMS) * time.Millisecond
		seg.End = time.Duration(endMS) * time.Millisecond
		seg.Accepted = true
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Report returns the stored closing report for a finished session.
func (s *Store) Report(ctx context.Context, sessionID string) (analytics.Report, error) {
	var report analytics.Report
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return report, sql.ErrNoRows
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM sessions WHERE session_id = ? AND report IS NOT NULL`, sessionID).Scan(&payload)
	if err != nil {
		return report, err
	}
	if err := json.Unmarshal(payload, &report); err != nil {
		return report, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
