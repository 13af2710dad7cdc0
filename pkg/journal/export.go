package journal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
)

// TurnRecord is one journaled turn in CSV form.
type TurnRecord struct {
	Seq            int64   `csv:"seq"`
	TurnID         string  `csv:"turn_id"`
	Session        string  `csv:"session"`
	At             string  `csv:"at"`
	Input          string  `csv:"input"`
	Emitted        string  `csv:"emitted"`
	Confidence     float64 `csv:"confidence"`
	Strategy       string  `csv:"strategy"`
	NexusCount     int     `csv:"nexus_count"`
	Cycles         int     `csv:"cycles"`
	FamilyID       string  `csv:"family_id"`
	Kairos         bool    `csv:"kairos"`
	State          string  `csv:"state"`
	Energy         float64 `csv:"energy"`
	Satisfaction   float64 `csv:"satisfaction"`
	Regime         string  `csv:"regime"`
	Threshold      float64 `csv:"threshold"`
	ExternalWeight float64 `csv:"external_weight"`
	Degraded       string  `csv:"degraded"`
	FallbackReason string  `csv:"fallback_reason"`
	DurationUS     int64   `csv:"duration_us"`
}

// Turns returns journaled turns in order. limit <= 0 returns all of them;
// otherwise the newest limit turns are returned, still oldest first.
func (j *Journal) Turns(ctx context.Context, limit int) ([]TurnRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	query := `SELECT seq, turn_id, session, at, input, emitted, confidence, strategy, nexus_count,
		cycles, family_id, kairos, state, energy, satisfaction, regime, threshold, external_weight,
		degraded, fallback_reason, duration_us FROM turns`
	args := []any{}
	if limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, limit)
	} else {
		query += ` ORDER BY seq ASC`
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var (
			r      TurnRecord
			at     int64
			kairos int
		)
		if err := rows.Scan(&r.Seq, &r.TurnID, &r.Session, &at, &r.Input, &r.Emitted, &r.Confidence,
			&r.Strategy, &r.NexusCount, &r.Cycles, &r.FamilyID, &kairos, &r.State, &r.Energy,
			&r.Satisfaction, &r.Regime, &r.Threshold, &r.ExternalWeight, &r.Degraded,
			&r.FallbackReason, &r.DurationUS); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC().Format(time.RFC3339Nano)
		r.Kairos = kairos != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExportCSV writes every journaled turn with a header row.
func (j *Journal) ExportCSV(ctx context.Context, w io.Writer) (int, error) {
	records, err := j.Turns(ctx, 0)
	if err != nil {
		return 0, err
	}
	if records == nil {
		records = []TurnRecord{}
	}
	if err := gocsv.Marshal(&records, w); err != nil {
		return 0, fmt.Errorf("writing turns csv: %w", err)
	}
	return len(records), nil
}

// ExportCSVFile writes the export to path, creating parent directories.
func (j *Journal) ExportCSVFile(ctx context.Context, path string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	n, err := j.ExportCSV(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
