package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-cat/internal/attempt"
	"github.com/p-n-ai/pai-cat/internal/cat"
	"github.com/p-n-ai/pai-cat/internal/irt"
	"github.com/p-n-ai/pai-cat/internal/itembank"
	"github.com/p-n-ai/pai-cat/internal/report"
)

// writeLadderPool writes a pool of n items with difficulties spread over
// [-3, 3].
func writeLadderPool(t *testing.T, dir string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id: ladder\nitems:\n")
	for i := 0; i < n; i++ {
		diff := -3 + 6*float64(i)/float64(n-1)
		fmt.Fprintf(&b, "  - id: q%02d\n    type: multiple_choice\n    options: [a, b, c, d]\n    key: [a]\n    difficulty: %.3f\n", i, diff)
	}
	path := filepath.Join(dir, "ladder.pool.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSimulate(t *testing.T) {
	path := writeLadderPool(t, t.TempDir(), 25)
	pool, err := itembank.LoadFile(path, itembank.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	minItems, maxItems := 5, 15
	opts := simulateOptions{
		theta:     1.2,
		seed:      42,
		defaults:  cat.DefaultConfig(),
		overrides: cat.Overrides{MinItems: &minItems, MaxItems: &maxItems},
	}
	var first, second bytes.Buffer
	a, err := simulate(context.Background(), &first, pool, opts)
	if err != nil {
		t.Fatalf("simulate() error = %v", err)
	}
	if _, err := simulate(context.Background(), &second, pool, opts); err != nil {
		t.Fatal(err)
	}
	if first.String() != second.String() {
		t.Error("same seed produced different runs")
	}

	if a.Status != attempt.StatusCompleted || a.Result == nil {
		t.Fatalf("attempt = %s, want completed", a.Status)
	}
	if n := len(a.Responses); n < 5 || n > 15 {
		t.Errorf("items administered = %d, want within [5, 15]", n)
	}
	seen := make(map[string]bool)
	for _, r := range a.Responses {
		if seen[r.ItemID] {
			t.Errorf("item %s administered twice", r.ItemID)
		}
		seen[r.ItemID] = true
	}
	if !strings.Contains(first.String(), "stopped: ") {
		t.Errorf("output missing summary:\n%s", first.String())
	}
}

func TestSimulateCommand_Explain(t *testing.T) {
	path := writeLadderPool(t, t.TempDir(), 10)

	out, err := run(t, "simulate", path, "--theta", "-1", "--seed", "3", "--max-items", "5", "--explain", "2")
	if err != nil {
		t.Fatalf("simulate error = %v\n%s", err, out)
	}
	if got := strings.Count(out, "#1 "); got != 5 {
		t.Errorf("explained %d steps, want 5\n%s", got, out)
	}
	if !strings.Contains(out, string(cat.ReasonMaxItemsReached)) {
		t.Errorf("output should stop on max items:\n%s", out)
	}
}

func TestSimulateCommand_MissingFile(t *testing.T) {
	if _, err := run(t, "simulate", filepath.Join(t.TempDir(), "none.pool.yaml")); err == nil {
		t.Fatal("simulate should fail for a missing pool file")
	}
}

func TestValidatePool(t *testing.T) {
	dir := t.TempDir()
	writeLadderPool(t, dir, 5)
	if err := os.WriteFile(filepath.Join(dir, "broken.pool.yaml"), []byte("id: broken\nitems:\n  - id: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a pool"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "validate-pool", dir)
	if err == nil {
		t.Fatal("validate-pool should fail when a file is invalid")
	}
	if !strings.Contains(out, "ok   ") || !strings.Contains(out, "ladder (5 items)") {
		t.Errorf("output missing valid pool:\n%s", out)
	}
	if !strings.Contains(out, "FAIL ") || !strings.Contains(out, "broken.pool.yaml") {
		t.Errorf("output missing invalid pool:\n%s", out)
	}
	if strings.Contains(out, "notes.txt") {
		t.Errorf("non-pool file was checked:\n%s", out)
	}

	if _, err := run(t, "validate-pool", filepath.Join(dir, "ladder.pool.yaml")); err != nil {
		t.Errorf("validate-pool on a valid file error = %v", err)
	}
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cat.db")
	ctx := context.Background()

	store, err := attempt.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatal(err)
	}
	pool := []irt.Item{
		{ID: "q1", Type: "multiple_choice", Params: irt.Params{Discrimination: 1, Difficulty: 0, Guessing: 0.2}},
		{ID: "q2", Type: "multiple_choice", Params: irt.Params{Discrimination: 1, Difficulty: 1, Guessing: 0.2}},
	}
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, subject := range []string{"learner-1", "learner-2"} {
		a := attempt.New(fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i+1), subject, "ladder", cat.DefaultConfig(), t0.Add(time.Duration(i)*time.Minute))
		if _, err := a.Start(pool, a.CreatedAt); err != nil {
			t.Fatal(err)
		}
		if err := store.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	outPath := filepath.Join(dir, "out.xlsx")
	if out, err := run(t, "export", "--driver", "sqlite", "--sqlite", dbPath, "-o", outPath, "--subject", "learner-2"); err != nil {
		t.Fatalf("export error = %v\n%s", err, out)
	}

	f, err := excelize.OpenFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(report.SummarySheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][1] != "learner-2" {
		t.Errorf("exported rows = %v, want header + learner-2", rows)
	}
}
