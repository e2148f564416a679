package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	commands "loxone-gateway/internal/commands/domain"
	"loxone-gateway/internal/delivery"
)

func TestResultRepository_RecordAndList(t *testing.T) {
	db := openDB(t)
	defer db.Close()

	ctx := context.Background()
	repo := NewResultRepository(db, WithResultsTable("command_results_test"))
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, _ = db.ExecContext(ctx, "DELETE FROM command_results_test")

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := commands.CommandResult{
		CommandID: "cmd-1",
		DeviceID:  "light-1",
		Command:   "On",
		Priority:  delivery.PriorityHigh,
		Source:    "assistant",
		Status:    commands.StatusSucceeded,
		Success:   true,
		Attempts:  1,
		Timestamp: base,
		Duration:  120 * time.Millisecond,
		Response:  json.RawMessage(`{"Code":200}`),
	}
	second := commands.CommandResult{
		CommandID: "cmd-2",
		DeviceID:  "light-1",
		Command:   "Off",
		Priority:  delivery.PriorityNormal,
		Status:    commands.StatusFailed,
		Error:     "miniserver: status 404",
		Attempts:  3,
		Timestamp: base.Add(time.Minute),
	}
	for _, result := range []commands.CommandResult{first, second} {
		if err := repo.Record(ctx, result); err != nil {
			t.Fatalf("record %s: %v", result.CommandID, err)
		}
	}
	second.Attempts = 4
	if err := repo.Record(ctx, second); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	list, err := repo.ListByDevice(ctx, "light-1", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 results, got %d", len(list))
	}
	if list[0].CommandID != "cmd-1" || list[0].Priority != delivery.PriorityHigh || list[0].Duration != 120*time.Millisecond {
		t.Fatalf("unexpected first result: %+v", list[0])
	}
	if list[1].Attempts != 4 || list[1].Error == "" || list[1].Success {
		t.Fatalf("unexpected second result: %+v", list[1])
	}

	failures, err := repo.CountFailures(ctx)
	if err != nil {
		t.Fatalf("count failures: %v", err)
	}
	if failures != 1 {
		t.Fatalf("expected 1 failure, got %d", failures)
	}
}

func TestResultRepository_NilDB(t *testing.T) {
	repo := NewResultRepository(nil)
	if err := repo.Record(context.Background(), commands.CommandResult{CommandID: "x"}); err == nil {
		t.Fatalf("expected nil db error")
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}
