package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/search"
)

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStoreWithClient(rdb, zap.NewNop(), opts...), mr
}

func newTestSession(id string) *Session {
	return &Session{
		ID:   id,
		Mode: ModeAgent,
		Identity: search.Identity{
			ClientID:     "C1",
			ActorID:      "A1",
			ActorClassID: "CL1",
			SkillModules: []string{"SK1"},
		},
	}
}

func TestCreateLoadDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, newTestSession("s1"))
	if err != nil {
		t.Fatal(err)
	}
	if created.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Identity.ActorID != "A1" || loaded.Mode != ModeAgent {
		t.Errorf("loaded session mismatch: %+v", loaded)
	}

	if _, err := store.Create(ctx, newTestSession("s1")); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create err = %v, want ErrExists", err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after delete err = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestMutateAtomicUnderConcurrency(t *testing.T) {
	store, _ := newTestStore(t, WithMaxHistory(200))
	ctx := context.Background()

	if _, err := store.Create(ctx, newTestSession("s1")); err != nil {
		t.Fatal(err)
	}

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Mutate(ctx, "s1", func(s *Session) error {
				s.AppendTurn(Turn{Role: "user", Content: fmt.Sprintf("msg-%d", i), Timestamp: time.Now()})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.History) != writers {
		t.Errorf("history length = %d, want %d (no lost or duplicated turns)", len(loaded.History), writers)
	}
	if loaded.MessageCount != writers {
		t.Errorf("message count = %d, want %d", loaded.MessageCount, writers)
	}
}

func TestMutateTrimsHistory(t *testing.T) {
	store, _ := newTestStore(t, WithMaxHistory(5))
	ctx := context.Background()

	if _, err := store.Create(ctx, newTestSession("s1")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		_, err := store.Mutate(ctx, "s1", func(s *Session) error {
			s.AppendTurn(Turn{Role: "user", Content: fmt.Sprintf("m%d", i)})
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	loaded, _ := store.Load(ctx, "s1")
	if len(loaded.History) != 5 {
		t.Fatalf("history length = %d, want 5", len(loaded.History))
	}
	if loaded.History[4].Content != "m11" {
		t.Errorf("newest turn = %q, want m11 (oldest trimmed first)", loaded.History[4].Content)
	}
}

func TestMutateMissingSession(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Mutate(context.Background(), "nope", func(s *Session) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLockContentionSurfacesConflict(t *testing.T) {
	store, mr := newTestStore(t, WithLockAttempts(2))
	ctx := context.Background()

	if _, err := store.Create(ctx, newTestSession("s1")); err != nil {
		t.Fatal(err)
	}
	// Simulate a stuck writer holding the lock.
	mr.Set(keyPrefix+"s1:lock", "someone-else")

	_, err := store.Mutate(ctx, "s1", func(s *Session) error { return nil })
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestTTLExpiryMakesSessionUnreachable(t *testing.T) {
	store, mr := newTestStore(t, WithTTL(time.Minute))
	ctx := context.Background()

	if _, err := store.Create(ctx, newTestSession("s1")); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Load(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load after TTL err = %v, want ErrNotFound", err)
	}
}

func TestMutateRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t, WithTTL(time.Minute))
	ctx := context.Background()

	if _, err := store.Create(ctx, newTestSession("s1")); err != nil {
		t.Fatal(err)
	}

	// Touch the session just before expiry; TTL must restart.
	mr.FastForward(50 * time.Second)
	if _, err := store.Mutate(ctx, "s1", func(s *Session) error { return nil }); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(50 * time.Second)

	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Errorf("session expired despite refresh: %v", err)
	}
}

func TestClampLevel(t *testing.T) {
	if ClampLevel(0) != MinUnderstanding {
		t.Error("level should clamp at minimum")
	}
	if ClampLevel(9) != MaxUnderstanding {
		t.Error("level should clamp at maximum")
	}
	if ClampLevel(3) != 3 {
		t.Error("in-range level should pass through")
	}
}
