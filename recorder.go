package botmaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// RunRecord describes one finished bot session.
type RunRecord struct {
	TaskID     string
	Bot        string
	Serial     string
	StartedAt  time.Time
	FinishedAt time.Time
	Stats      Stats
	Error      string
}

// BotStats aggregates the run history of one bot.
type BotStats struct {
	Bot       string
	Runs      int
	TotalTime time.Duration
	LastRun   time.Time
}

// RunRecorder persists finished sessions and serves per-bot aggregates.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	BotStats(ctx context.Context, bot string) (BotStats, error)
	Close() error
}

// NoopRecorder discards everything. Used when no history database is
// configured.
type NoopRecorder struct{}

func (NoopRecorder) RecordRun(ctx context.Context, rec RunRecord) error { return nil }

func (NoopRecorder) BotStats(ctx context.Context, bot string) (BotStats, error) {
	return BotStats{Bot: bot}, nil
}

func (NoopRecorder) Close() error { return nil }

const runsSchema = `
CREATE TABLE IF NOT EXISTS bot_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	bot TEXT NOT NULL,
	serial TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	cycles INTEGER NOT NULL,
	actions INTEGER NOT NULL,
	clicks INTEGER NOT NULL,
	swipes INTEGER NOT NULL,
	images_found INTEGER NOT NULL,
	images_not_found INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	execution_ms INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_bot_runs_bot ON bot_runs (bot);
`

// SQLiteRecorder stores run history in a local sqlite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder opens (creating if needed) the history database at
// path and bootstraps the schema.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open run history db")
	}
	if _, err := db.Exec(runsSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrap run history schema")
	}
	log.Debug().Str("path", path).Msg("run history db ready")
	return &SQLiteRecorder{db: db}, nil
}

func (r *SQLiteRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bot_runs (task_id, bot, serial, started_at, finished_at,
			cycles, actions, clicks, swipes, images_found, images_not_found,
			errors, execution_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Bot, rec.Serial,
		rec.StartedAt.Unix(), rec.FinishedAt.Unix(),
		rec.Stats.CyclesCompleted, rec.Stats.ActionsExecuted,
		rec.Stats.ClicksPerformed, rec.Stats.SwipesPerformed,
		rec.Stats.ImagesFound, rec.Stats.ImagesNotFound,
		rec.Stats.Errors, rec.Stats.ExecutionTime.Milliseconds(),
		rec.Error)
	if err != nil {
		return errors.Wrapf(err, "record run of bot %s", rec.Bot)
	}
	return nil
}

func (r *SQLiteRecorder) BotStats(ctx context.Context, bot string) (BotStats, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(execution_ms), 0), COALESCE(MAX(finished_at), 0)
		FROM bot_runs WHERE bot = ?`, bot)
	var (
		runs    int
		totalMS int64
		lastRun int64
	)
	if err := row.Scan(&runs, &totalMS, &lastRun); err != nil {
		return BotStats{}, errors.Wrapf(err, "stats for bot %s", bot)
	}
	stats := BotStats{
		Bot:       bot,
		Runs:      runs,
		TotalTime: time.Duration(totalMS) * time.Millisecond,
	}
	if lastRun > 0 {
		stats.LastRun = time.Unix(lastRun, 0)
	}
	return stats, nil
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
