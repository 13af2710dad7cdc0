// Package journal keeps the SQLite log of processed turns and the learned
// per-family pattern memory used by the fallback strategy.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/emission"
)

var _ emission.PatternMemory = (*Journal)(nil)

// Journal is safe for concurrent use.
type Journal struct {
	db                *sql.DB
	mu                sync.RWMutex
	patternsPerFamily int
}

// Open opens (or creates) the journal database at path.
func Open(path string, patternsPerFamily int) (*Journal, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if patternsPerFamily < 1 {
		patternsPerFamily = 1
	}
	j := &Journal{db: db, patternsPerFamily: patternsPerFamily}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("journal opened", "path", path)
	return j, nil
}

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL,
			session TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			input TEXT NOT NULL,
			emitted TEXT NOT NULL,
			confidence REAL NOT NULL,
			strategy TEXT NOT NULL,
			nexus_count INTEGER NOT NULL,
			cycles INTEGER NOT NULL,
			family_id TEXT NOT NULL,
			kairos INTEGER NOT NULL,
			state TEXT NOT NULL,
			energy REAL NOT NULL,
			satisfaction REAL NOT NULL,
			regime TEXT NOT NULL,
			threshold REAL NOT NULL,
			external_weight REAL NOT NULL,
			degraded TEXT NOT NULL DEFAULT '',
			fallback_reason TEXT NOT NULL DEFAULT '',
			duration_us INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_family ON turns(family_id)`,
		`CREATE TABLE IF NOT EXISTS patterns (
			family_id TEXT NOT NULL,
			text TEXT NOT NULL,
			quality REAL NOT NULL,
			uses INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (family_id, text)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_patterns_rank ON patterns(family_id, quality DESC, uses DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one processed turn.
func (j *Journal) Record(ctx context.Context, turn core.TurnContext, res core.TurnResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	degraded := make([]string, len(res.Degraded))
	for i, id := range res.Degraded {
		degraded[i] = string(id)
	}
	at := res.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `INSERT INTO turns (turn_id, session, at, input, emitted, confidence,
		strategy, nexus_count, cycles, family_id, kairos, state, energy, satisfaction, regime,
		threshold, external_weight, degraded, fallback_reason, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TurnID, turn.Session, at.UnixNano(), turn.Text, res.EmittedText, res.Confidence,
		string(res.Strategy), res.NexusCount, res.CyclesToConverge, string(res.AssignedFamilyID),
		boolInt(res.KairosDetected), string(res.State), res.Energy, res.Satisfaction, string(res.Regime),
		res.Threshold, res.ExternalWeight, strings.Join(degraded, ","), res.FallbackReason,
		res.Duration.Microseconds())
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// Count returns the number of journaled turns.
func (j *Journal) Count(ctx context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&n)
	return n, err
}

// Learn stores text as a candidate pattern for family. Repeated text keeps
// its best quality and counts uses. Each family keeps at most
// patternsPerFamily patterns, lowest quality evicted first.
func (j *Journal) Learn(ctx context.Context, family core.FamilyID, text string, quality float64) error {
	text = strings.TrimSpace(text)
	if family == "" || text == "" {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO patterns (family_id, text, quality, uses, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(family_id, text) DO UPDATE SET
			quality = MAX(quality, excluded.quality),
			uses = uses + 1,
			updated_at = excluded.updated_at`,
		string(family), text, core.Clamp01(quality), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM patterns WHERE family_id = ? AND rowid NOT IN (
			SELECT rowid FROM patterns WHERE family_id = ?
			ORDER BY quality DESC, uses DESC, updated_at DESC LIMIT ?)`,
		string(family), string(family), j.patternsPerFamily)
	if err != nil {
		return fmt.Errorf("prune patterns: %w", err)
	}

	return tx.Commit()
}

// Recall implements emission.PatternMemory.
func (j *Journal) Recall(ctx context.Context, family core.FamilyID, limit int) ([]emission.Pattern, error) {
	if limit < 1 {
		limit = 1
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `SELECT text, quality, uses FROM patterns
		WHERE family_id = ? ORDER BY quality DESC, uses DESC, updated_at DESC LIMIT ?`,
		string(family), limit)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []emission.Pattern
	for rows.Next() {
		var p emission.Pattern
		if err := rows.Scan(&p.Text, &p.Quality, &p.Uses); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MergeFamilies moves the patterns of absorbed into kept after a family
// consolidation, keeping the better quality on collisions.
func (j *Journal) MergeFamilies(ctx context.Context, kept, absorbed core.FamilyID) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO patterns (family_id, text, quality, uses, updated_at)
		SELECT ?, text, quality, uses, updated_at FROM patterns WHERE family_id = ?
		ON CONFLICT(family_id, text) DO UPDATE SET
			quality = MAX(quality, excluded.quality),
			uses = uses + excluded.uses`,
		string(kept), string(absorbed))
	if err != nil {
		return fmt.Errorf("merge patterns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM patterns WHERE family_id = ?`, string(absorbed)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE turns SET family_id = ? WHERE family_id = ?`, string(kept), string(absorbed)); err != nil {
		return err
	}
	return tx.Commit()
}

// Reset deletes every turn and pattern.
func (j *Journal) Reset(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, stmt := range []string{`DELETE FROM turns`, `DELETE FROM patterns`} {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
