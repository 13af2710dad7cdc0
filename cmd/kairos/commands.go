package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"github.com/denizumutdereli/kairos/pkg/core"
)

func (a *app) trainCmd() *cobra.Command {
	var epochs int
	cmd := &cobra.Command{
		Use:   "train <file>",
		Short: "Replay a conversation file (.txt, .jsonl or .csv) through the organism",
		Long: `Replay turns for the given number of epochs, saving once per epoch.

  .txt    one turn per line; blank lines start a new session, # lines are skipped
  .jsonl  one {"text": ..., "session": ..., "history": [...]} object per line
  .csv    header row with a "text" column and an optional "session" column`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			turns, err := readTrainFile(args[0])
			if err != nil {
				return err
			}
			if len(turns) == 0 {
				return fmt.Errorf("%s contains no turns", args[0])
			}
			org, err := a.openOrganism()
			if err != nil {
				return err
			}
			slog.Info("training", "file", args[0], "turns", len(turns), "epochs", epochs)
			rep, trainErr := org.Train(cmd.Context(), turns, epochs)
			if err := org.Close(); err != nil {
				trainErr = errors.Join(trainErr, err)
			}
			if trainErr != nil {
				return trainErr
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	cmd.Flags().IntVarP(&epochs, "epochs", "e", 1, "Number of passes over the file")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the organism health snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := a.openOrganism()
			if err != nil {
				return err
			}
			defer org.Close()
			return printJSON(cmd.OutOrStdout(), org.Stats())
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset [coupling|families|evolution|journal|all]...",
		Short: "Reinitialise learned state (all when no scope is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset without --yes")
			}
			org, err := a.openOrganism()
			if err != nil {
				return err
			}
			resetErr := org.Reset(cmd.Context(), args...)
			if err := org.Close(); err != nil {
				resetErr = errors.Join(resetErr, err)
			}
			if resetErr != nil {
				return resetErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the reset")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Export the turn journal as CSV (default journal.csvPath)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Journal.Enabled {
				return fmt.Errorf("journal is disabled")
			}
			path := a.cfg.Journal.CSVPath
			if len(args) == 1 {
				path = args[0]
			}
			org, err := a.openOrganism()
			if err != nil {
				return err
			}
			defer org.Close()

			n, err := org.Journal().ExportCSVFile(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d turns to %s\n", n, path)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// trainRow is one .csv training row.
type trainRow struct {
	Text    string `csv:"text"`
	Session string `csv:"session"`
}

func readTrainFile(path string) ([]core.TurnContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return readJSONLines(f)
	case ".csv":
		return readCSV(f)
	default:
		return readTextLines(f)
	}
}

func readJSONLines(r io.Reader) ([]core.TurnContext, error) {
	var turns []core.TurnContext
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var turn core.TurnContext
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		turns = append(turns, turn)
	}
	return turns, scanner.Err()
}

func readCSV(r io.Reader) ([]core.TurnContext, error) {
	var rows []trainRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, err
	}
	return withHistory(rows), nil
}

// readTextLines treats each line as a turn. Blank lines separate sessions.
func readTextLines(r io.Reader) ([]core.TurnContext, error) {
	var rows []trainRow
	session := 1
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		switch {
		case raw == "":
			session++
		case strings.HasPrefix(raw, "#"):
		default:
			rows = append(rows, trainRow{Text: raw, Session: fmt.Sprintf("s%d", session)})
		}
	}
	return withHistory(rows), scanner.Err()
}

// withHistory attaches the preceding turns of the same session.
func withHistory(rows []trainRow) []core.TurnContext {
	turns := make([]core.TurnContext, 0, len(rows))
	history := core.NewRing[string](historyTurns)
	current := ""
	for i, row := range rows {
		if i == 0 || row.Session != current {
			history.Reset()
			current = row.Session
		}
		turns = append(turns, core.TurnContext{
			Text:    row.Text,
			Session: row.Session,
			History: history.Values(),
		})
		history.Push(row.Text)
	}
	return turns
}
