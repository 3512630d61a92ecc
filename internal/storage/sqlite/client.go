package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/storage/models"
	"github.com/ballot-guide/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ballots (
		party TEXT NOT NULL,
		scope TEXT NOT NULL,
		body TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (party, scope)
	);
	CREATE INDEX IF NOT EXISTS idx_ballots_updated ON ballots(updated_at);

	CREATE TABLE IF NOT EXISTS override_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		party TEXT NOT NULL,
		race_key TEXT NOT NULL,
		from_candidate TEXT,
		to_candidate TEXT NOT NULL,
		reason TEXT,
		lang TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_race ON override_feedback(party, race_key);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON override_feedback(created_at);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		props TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analytics_name ON analytics_events(name);
	CREATE INDEX IF NOT EXISTS idx_analytics_created ON analytics_events(created_at);

	CREATE TABLE IF NOT EXISTS generation_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		party TEXT NOT NULL,
		status TEXT NOT NULL,
		races_total INTEGER,
		races_generated INTEGER,
		props_total INTEGER,
		props_generated INTEGER,
		balance_score INTEGER,
		error TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_session ON generation_runs(session_id);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON generation_runs(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// GetBallot returns nil without error when no document exists for the key.
func (c *Client) GetBallot(ctx context.Context, party, scope string) (*models.BallotDocument, error) {
	query := `SELECT party, scope, body, fingerprint, updated_at FROM ballots WHERE party = ? AND scope = ?`

	var doc models.BallotDocument
	var body string
	var updatedAt int64

	err := c.db.QueryRowContext(ctx, query, party, scope).Scan(
		&doc.Party,
		&doc.Scope,
		&body,
		&doc.Fingerprint,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ballot: %w", err)
	}

	doc.Body = []byte(body)
	doc.UpdatedAt = time.UnixMilli(updatedAt)
	return &doc, nil
}

// GetFingerprint reads only the version column so conditional fetches that
// end in "not modified" never load the body.
func (c *Client) GetFingerprint(ctx context.Context, party, scope string) (string, bool, error) {
	var fp string
	err := c.db.QueryRowContext(ctx,
		`SELECT fingerprint FROM ballots WHERE party = ? AND scope = ?`, party, scope,
	).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, true, nil
}

// PutBallot replaces the whole document for (party, scope).
func (c *Client) PutBallot(ctx context.Context, doc *models.BallotDocument) error {
	query := `
		INSERT INTO ballots (party, scope, body, fingerprint, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(party, scope) DO UPDATE SET
			body = excluded.body,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		doc.Party,
		doc.Scope,
		string(doc.Body),
		doc.Fingerprint,
		doc.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put ballot: %w", err)
	}

	logger.Debug("Ballot stored",
		zap.String("party", doc.Party),
		zap.String("scope", doc.Scope),
		zap.String("fingerprint", doc.Fingerprint),
	)
	return nil
}

func (c *Client) ListScopes(ctx context.Context, party string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT scope FROM ballots WHERE party = ? ORDER BY scope`, party)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func (c *Client) InsertOverrideFeedback(ctx context.Context, fb *models.OverrideFeedback) error {
	query := `INSERT INTO override_feedback (party, race_key, from_candidate, to_candidate, reason, lang, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := c.db.ExecContext(ctx, query,
		fb.Party,
		fb.RaceKey,
		fb.From,
		fb.To,
		fb.Reason,
		fb.Lang,
		fb.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store override feedback: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		fb.ID = id
	}

	logger.Info("Override feedback stored",
		zap.String("party", fb.Party),
		zap.String("race_key", fb.RaceKey),
	)
	return nil
}

func (c *Client) ListOverrideFeedback(ctx context.Context, party string, limit int) ([]models.OverrideFeedback, error) {
	query := `
		SELECT id, party, race_key, from_candidate, to_candidate, reason, lang, created_at
		FROM override_feedback
		WHERE party = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, party, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list override feedback: %w", err)
	}
	defer rows.Close()

	var out []models.OverrideFeedback
	for rows.Next() {
		var fb models.OverrideFeedback
		var from, reason, lang sql.NullString
		var createdAt int64
		if err := rows.Scan(&fb.ID, &fb.Party, &fb.RaceKey, &from, &fb.To, &reason, &lang, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		fb.From = from.String
		fb.Reason = reason.String
		fb.Lang = lang.String
		fb.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, fb)
	}
	return out, rows.Err()
}

func (c *Client) InsertAnalyticsEvent(ctx context.Context, ev *models.AnalyticsEvent) error {
	propsJSON, err := json.Marshal(ev.Props)
	if err != nil {
		return fmt.Errorf("failed to marshal event props: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO analytics_events (id, name, props, created_at) VALUES (?, ?, ?, ?)`,
		ev.ID, ev.Name, string(propsJSON), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}

func (c *Client) CountAnalyticsEvents(ctx context.Context, name string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM analytics_events WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count analytics events: %w", err)
	}
	return n, nil
}

func (c *Client) InsertGenerationRun(ctx context.Context, run *models.GenerationRun) error {
	query := `
		INSERT INTO generation_runs (id, session_id, party, status, races_total, races_generated,
			props_total, props_generated, balance_score, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		run.ID,
		run.SessionID,
		run.Party,
		run.Status,
		run.RacesTotal,
		run.RacesGenerated,
		run.PropsTotal,
		run.PropsGenerated,
		run.BalanceScore,
		run.Error,
		run.LatencyMS,
		run.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation run: %w", err)
	}

	logger.Info("Generation run recorded",
		zap.String("run_id", run.ID),
		zap.String("party", run.Party),
		zap.String("status", run.Status),
		zap.Int("latency_ms", run.LatencyMS),
	)
	return nil
}

func (c *Client) GetGenerationRuns(ctx context.Context, sessionID string) ([]models.GenerationRun, error) {
	query := `
		SELECT id, session_id, party, status, races_total, races_generated, props_total,
			props_generated, balance_score, error, latency_ms, created_at
		FROM generation_runs
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get generation runs: %w", err)
	}
	defer rows.Close()

	var runs []models.GenerationRun
	for rows.Next() {
		var r models.GenerationRun
		var errText sql.NullString
		var createdAt int64
		err := rows.Scan(&r.ID, &r.SessionID, &r.Party, &r.Status, &r.RacesTotal, &r.RacesGenerated,
			&r.PropsTotal, &r.PropsGenerated, &r.BalanceScore, &errText, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Error = errText.String
		r.CreatedAt = time.Unix(createdAt, 0)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
