package migrate

import (
	"context"
	"testing"

	"jobline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	pending, err := Pending(ctx, conn)
	if err != nil {
		t.Fatalf("pending on empty db: %v", err)
	}
	all, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pending) != len(all) {
		t.Fatalf("expected %d pending, got %v", len(all), pending)
	}

	applied, err := MigrateContext(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != len(all) {
		t.Fatalf("expected %d applied, got %v", len(all), applied)
	}
	again, err := Migrate(conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing on second run, got %v", again)
	}
	if pending, _ := Pending(ctx, conn); len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %v", pending)
	}
}
