//go:build integration

package consolidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/session"
)

func startPGJobStore(t *testing.T) *PGJobStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("mnemo_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, container)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	store, err := NewPGJobStore(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPGJobStore: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return store
}

func TestPGJobStoreRoundTrip(t *testing.T) {
	store := startPGJobStore(t)
	ctx := context.Background()

	job := &Job{
		ID:        uuid.New().String(),
		SessionID: "S1",
		ActorID:   "A1",
		Trigger:   TriggerWindow,
		Turns: []session.Turn{
			{ID: "t1", Role: "user", Content: "I prefer tabs.", Timestamp: time.Now().UTC()},
		},
		Status: StatusPending,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SessionID != "S1" || got.Trigger != TriggerWindow || got.Status != StatusPending {
		t.Errorf("job = %+v", got)
	}
	if len(got.Turns) != 1 || got.Turns[0].Content != "I prefer tabs." {
		t.Errorf("turns = %+v", got.Turns)
	}

	job.Status = StatusFailedPermanent
	job.Attempts = 5
	job.LastError = "upsert timed out"
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	failed, err := store.ListByStatus(ctx, StatusFailedPermanent, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(failed) != 1 || failed[0].Attempts != 5 || failed[0].LastError != "upsert timed out" {
		t.Errorf("failed jobs = %+v", failed)
	}
}

func TestPGJobStoreNotFound(t *testing.T) {
	store := startPGJobStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, uuid.New().String()); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get err = %v, want ErrJobNotFound", err)
	}
	missing := &Job{ID: uuid.New().String(), Status: StatusRunning}
	if err := store.Update(ctx, missing); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Update err = %v, want ErrJobNotFound", err)
	}
}
