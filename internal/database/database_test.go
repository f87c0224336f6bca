package database

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/nucleus/capture-api/internal/clone"
)

func TestAfterCommitWithoutTransaction(t *testing.T) {
	called := false
	if AfterCommit(context.Background(), func() { called = true }) {
		t.Error("AfterCommit accepted a context without a transaction")
	}
	if called {
		t.Error("hook ran without a transaction")
	}
}

func TestAfterCommitRunsHooksInOrder(t *testing.T) {
	ctx, state := withTxState(context.Background(), nil)

	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		if !AfterCommit(ctx, func() { got = append(got, i) }) {
			t.Fatalf("hook %d not registered", i)
		}
	}
	if len(got) != 0 {
		t.Fatalf("hooks ran before commit: %v", got)
	}

	state.run()
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("hooks ran as %v, want [1 2 3]", got)
	}

	state.run()
	if len(got) != 3 {
		t.Errorf("hooks ran twice: %v", got)
	}
}

func TestConnUsesOpenTransaction(t *testing.T) {
	c := &Client{}
	tx := &sql.Tx{}
	ctx, state := withTxState(context.Background(), tx)

	if got, ok := c.conn(ctx).(*sql.Tx); !ok || got != tx {
		t.Fatalf("conn inside transaction = %T, want the transaction", c.conn(ctx))
	}
	if _, ok := c.conn(context.Background()).(*sql.DB); !ok {
		t.Error("conn without transaction did not use the pool")
	}

	// Hooks run after commit with the same context; they must not reuse
	// the finished transaction.
	state.finish()
	if _, ok := c.conn(ctx).(*sql.DB); !ok {
		t.Error("conn after commit still returned the transaction")
	}
}

func TestRemapNull(t *testing.T) {
	remap := map[int64]int64{10: 20}

	tests := []struct {
		name string
		in   sql.NullInt64
		want sql.NullInt64
	}{
		{"mapped", sql.NullInt64{Int64: 10, Valid: true}, sql.NullInt64{Int64: 20, Valid: true}},
		{"unmapped kept", sql.NullInt64{Int64: 11, Valid: true}, sql.NullInt64{Int64: 11, Valid: true}},
		{"null kept", sql.NullInt64{}, sql.NullInt64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := remapNull(tt.in, remap); got != tt.want {
				t.Errorf("remapNull(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if got := remapNull(sql.NullInt64{Int64: 10, Valid: true}, nil); got.Int64 != 10 {
		t.Errorf("nil remap changed value to %d", got.Int64)
	}
}

func TestBuildStatusUpdate(t *testing.T) {
	query, args := buildStatusUpdate("run-1", CloneStatusFailed, map[string]any{
		"error":        "boom",
		"completed_at": "now",
	})

	if !strings.Contains(query, "SET status = $2, completed_at = $3, error = $4") {
		t.Errorf("unexpected query: %s", query)
	}
	if len(args) != 4 || args[0] != "run-1" || args[1] != CloneStatusFailed || args[3] != "boom" {
		t.Errorf("args = %v", args)
	}
}

func TestFinishedStatus(t *testing.T) {
	if got := FinishedStatus(0); got != CloneStatusSucceeded {
		t.Errorf("FinishedStatus(0) = %s", got)
	}
	if got := FinishedStatus(1); got != CloneStatusPartial {
		t.Errorf("FinishedStatus(1) = %s", got)
	}
}

func TestUnitTable(t *testing.T) {
	tests := []struct {
		kind    clone.UnitKind
		want    string
		wantErr bool
	}{
		{clone.UnitProtocol, "protocols", false},
		{clone.UnitText, "texts", false},
		{clone.UnitKind("annotation"), "", true},
	}

	for _, tt := range tests {
		got, err := unitTable(tt.kind)
		if (err != nil) != tt.wantErr {
			t.Errorf("unitTable(%q) error = %v, wantErr %v", tt.kind, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("unitTable(%q) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), "pgx", ""); err == nil {
		t.Error("expected error for empty DATABASE_URL")
	}
}
