package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

const replHelp = `
Kairos chat: type a message to send a turn, or a command:

  \stats                            Health snapshot
  \families                         List families
  \coupling                         Coupling matrix summary
  \save                             Persist state now
  \consolidate                      Merge near-duplicate families now
  \reset [scope...]                 Reset coupling|families|evolution|journal|all
  \verbose                          Toggle per-turn diagnostics
  \help                             Show this help
  \quit  (or exit, quit, Ctrl-D)    Exit
`

// historyTurns bounds the prior turns passed with each message.
const historyTurns = 8

func (a *app) chatCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := a.openOrganism()
			if err != nil {
				return err
			}
			r := newREPL(org, cmd.InOrStdin(), cmd.OutOrStdout())
			r.verbose = verbose
			r.run(cmd.Context())
			return org.Close()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print per-turn diagnostics")
	return cmd
}

type repl struct {
	org     *organism.Organism
	in      io.Reader
	out     io.Writer
	session string
	history core.Ring[string]
	verbose bool
}

func newREPL(org *organism.Organism, in io.Reader, out io.Writer) *repl {
	return &repl{
		org:     org,
		in:      in,
		out:     out,
		session: uuid.NewString(),
		history: core.NewRing[string](historyTurns),
	}
}

func (r *repl) run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	st := r.org.Stats()
	fmt.Fprintf(r.out, "Kairos (%d turns, %d families). Type \\help for commands, \\quit to exit.\n\n", st.Turns, st.Families)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(r.out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if done := r.dispatch(ctx, line); done {
			fmt.Fprintln(r.out, "Bye.")
			break
		}
	}
}

// dispatch executes one REPL line. Returns true when the user wants to quit.
func (r *repl) dispatch(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, `\`) {
		switch strings.ToLower(line) {
		case "exit", "quit":
			return true
		}
		r.turn(ctx, line)
		return false
	}

	parts := strings.Fields(line)
	switch strings.ToLower(parts[0]) {
	case `\quit`, `\q`:
		return true

	case `\help`, `\h`:
		fmt.Fprint(r.out, replHelp)

	case `\stats`:
		r.printJSON(r.org.Stats())

	case `\families`:
		for _, f := range r.org.Families() {
			fmt.Fprintf(r.out, "  #%d %s members=%d sat=%.2f target=%v\n",
				f.Ordinal, f.ID, f.Members, f.MeanSatisfaction, f.HasTarget)
		}

	case `\coupling`:
		r.printJSON(r.org.Coupling().Stats())

	case `\save`:
		if err := r.org.Save(); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		} else {
			fmt.Fprintln(r.out, "saved")
		}

	case `\consolidate`:
		merges := r.org.Consolidate(ctx)
		fmt.Fprintf(r.out, "%d merges\n", len(merges))

	case `\reset`:
		if err := r.org.Reset(ctx, parts[1:]...); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		} else {
			r.history.Reset()
			fmt.Fprintln(r.out, "reset")
		}

	case `\verbose`:
		r.verbose = !r.verbose
		fmt.Fprintf(r.out, "verbose: %v\n", r.verbose)

	default:
		fmt.Fprintf(r.out, "unknown command %s (\\help for commands)\n", parts[0])
	}
	return false
}

func (r *repl) turn(ctx context.Context, text string) {
	res, err := r.org.ProcessTurn(ctx, core.TurnContext{
		Text:    text,
		Session: r.session,
		History: r.history.Values(),
	})
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	r.history.Push(text)

	fmt.Fprintf(r.out, "kairos> %s\n", res.EmittedText)
	if r.verbose {
		kairos := ""
		if res.KairosDetected {
			kairos = " kairos"
		}
		fmt.Fprintf(r.out, "        [%s conf=%.2f nexus=%d cycles=%d sat=%.2f regime=%s family=%s%s]\n",
			res.Strategy, res.Confidence, res.NexusCount, res.CyclesToConverge,
			res.Satisfaction, res.Regime, res.AssignedFamilyID, kairos)
	}
}

func (r *repl) printJSON(v any) {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, string(blob))
}
