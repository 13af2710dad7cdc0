package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/denizumutdereli/kairos/pkg/core"
	"github.com/denizumutdereli/kairos/pkg/organism"
)

func TestReadTextLinesSessionsAndHistory(t *testing.T) {
	in := "# warmup\nhello there\nhow are you\n\nnew topic\n"
	turns, err := readTextLines(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readTextLines: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Session == turns[2].Session {
		t.Fatal("blank line should start a new session")
	}
	if len(turns[1].History) != 1 || turns[1].History[0] != "hello there" {
		t.Fatalf("unexpected history for second turn: %v", turns[1].History)
	}
	if len(turns[2].History) != 0 {
		t.Fatalf("history should reset across sessions, got %v", turns[2].History)
	}
}

func TestReadCSV(t *testing.T) {
	in := "text,session\nfirst,a\nsecond,a\nthird,b\n"
	turns, err := readCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[1].Session != "a" || len(turns[1].History) != 1 {
		t.Fatalf("unexpected second turn: %+v", turns[1])
	}
	if turns[2].Session != "b" || len(turns[2].History) != 0 {
		t.Fatalf("unexpected third turn: %+v", turns[2])
	}
}

func TestReadJSONLines(t *testing.T) {
	in := `{"text":"hi","session":"x"}` + "\n\n" + `{"text":"again","history":["hi"]}` + "\n"
	turns, err := readJSONLines(strings.NewReader(in))
	if err != nil {
		t.Fatalf("readJSONLines: %v", err)
	}
	if len(turns) != 2 || turns[1].History[0] != "hi" {
		t.Fatalf("unexpected turns: %+v", turns)
	}

	if _, err := readJSONLines(strings.NewReader("{not json}\n")); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func newTestOrganism(t *testing.T) *organism.Organism {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Storage.DataPath = t.TempDir()
	cfg.Storage.Fsync = false
	cfg.LLM.Enabled = false
	org, err := organism.Open(cfg)
	if err != nil {
		t.Fatalf("organism.Open: %v", err)
	}
	t.Cleanup(func() { org.Close() })
	return org
}

func TestREPLSession(t *testing.T) {
	org := newTestOrganism(t)
	in := strings.NewReader("hello kairos\n\\verbose\nwhat now?\n\\nope\n\\stats\n\\quit\nnever sent\n")
	var out bytes.Buffer

	r := newREPL(org, in, &out)
	r.run(context.Background())

	got := out.String()
	for _, want := range []string{"kairos> ", "verbose: true", "regime=", "unknown command", `"turns": 2`, "Bye."} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\n%s", want, got)
		}
	}
	if org.Turns() != 2 {
		t.Fatalf("expected 2 turns, got %d", org.Turns())
	}
	if r.history.Len() != 2 {
		t.Fatalf("expected 2 history entries, got %d", r.history.Len())
	}
}

func TestREPLResetClearsHistory(t *testing.T) {
	org := newTestOrganism(t)
	r := newREPL(org, strings.NewReader(""), &bytes.Buffer{})

	if r.dispatch(context.Background(), "one") {
		t.Fatal("plain text should not quit")
	}
	if r.dispatch(context.Background(), `\reset`) {
		t.Fatal("reset should not quit")
	}
	if r.history.Len() != 0 {
		t.Fatal("reset should clear history")
	}
	if !r.dispatch(context.Background(), "exit") {
		t.Fatal("exit should quit")
	}
}
