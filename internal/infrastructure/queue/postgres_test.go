package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"optcore/internal/domain/entity/command"
	"optcore/internal/domain/interfaces"

	"github.com/google/uuid"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore error = %v", err)
	}
	t.Cleanup(store.Close)
	if _, err := store.pool.Exec(ctx, Schema); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if _, err := store.pool.Exec(ctx, `TRUNCATE command_queue RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func newRow(key string, now time.Time) *command.Command {
	return &command.Command{
		EventID:        uuid.New(),
		IdempotencyKey: key,
		EventType:      "order.place",
		EventVersion:   1,
		Payload:        []byte(`{}`),
		Status:         command.StatusPending,
		MaxAttempts:    3,
		NextRetryAt:    now,
		CreatedAt:      now,
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	id, err := store.Insert(ctx, newRow("pg-1", now))
	if err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if _, err := store.Insert(ctx, newRow("pg-1", now)); !errors.Is(err, interfaces.ErrDuplicateKey) {
		t.Fatalf("duplicate Insert error = %v, want ErrDuplicateKey", err)
	}

	claimed, err := store.Claim(ctx, "token-a", now, 30*time.Second)
	if err != nil {
		t.Fatalf("Claim error = %v", err)
	}
	if claimed == nil || claimed.ID != id || claimed.AttemptCount != 1 || claimed.OwnerToken != "token-a" {
		t.Fatalf("Claim = %+v", claimed)
	}
	if again, err := store.Claim(ctx, "token-b", now, 30*time.Second); err != nil || again != nil {
		t.Fatalf("second Claim = %+v, %v", again, err)
	}

	ref := "ORD-1"
	ok, err := store.Transition(ctx, id, "token-b", command.Transition{Status: command.StatusDone, BrokerOrderID: &ref, At: now})
	if err != nil || ok {
		t.Fatalf("Transition with foreign token = %v, %v", ok, err)
	}
	ok, err = store.Transition(ctx, id, "token-a", command.Transition{Status: command.StatusDone, BrokerOrderID: &ref, At: now})
	if err != nil || !ok {
		t.Fatalf("Transition with owner token = %v, %v", ok, err)
	}

	row, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if row.Status != command.StatusDone || row.BrokerOrderID != ref || row.ProcessedAt == nil || row.OwnerToken != "" {
		t.Fatalf("row = %+v", row)
	}
}

func TestPostgresStoreReleaseAndReject(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, key := range []string{"pg-1", "pg-2"} {
		if _, err := store.Insert(ctx, newRow(key, now)); err != nil {
			t.Fatalf("Insert error = %v", err)
		}
	}
	claimed, err := store.Claim(ctx, "token-a", now, time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = %+v, %v", claimed, err)
	}

	later := now.Add(2 * time.Second)
	expired, err := store.ListExpired(ctx, later)
	if err != nil || len(expired) != 1 {
		t.Fatalf("ListExpired = %v, %v", expired, err)
	}
	ok, err := store.Release(ctx, claimed.ID, "token-a", command.StatusPending, "lease expired", later)
	if err != nil || !ok {
		t.Fatalf("Release = %v, %v", ok, err)
	}

	n, err := store.RejectAll(ctx, "kill switch", later)
	if err != nil {
		t.Fatalf("RejectAll error = %v", err)
	}
	if n != 2 {
		t.Fatalf("RejectAll = %d, want 2", n)
	}
	counts, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus error = %v", err)
	}
	if counts[command.StatusFailed] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestMemoryStoreReleaseRequiresExpiredLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.Insert(ctx, newRow("m-1", now)); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	claimed, _ := store.Claim(ctx, "token-a", now, 10*time.Second)

	ok, err := store.Release(ctx, claimed.ID, "token-a", command.StatusPending, "early", now.Add(5*time.Second))
	if err != nil || ok {
		t.Fatalf("Release of live lease = %v, %v", ok, err)
	}
	ok, err = store.Release(ctx, claimed.ID, "token-a", command.StatusPending, "expired", now.Add(11*time.Second))
	if err != nil || !ok {
		t.Fatalf("Release of expired lease = %v, %v", ok, err)
	}
}
