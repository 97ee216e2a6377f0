package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/liaorch/lia/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lia.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &task.Task{
		ID:           "11111111-1111-1111-1111-111111111111",
		Status:       task.StatusPending,
		UserID:       "anonymous",
		Source:       task.SourceWeb,
		Repositories: []string{"octo/repo"},
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPending || got.Repositories[0] != "octo/repo" {
		t.Errorf("unexpected row: %+v", got)
	}
}

func TestUpdateStatusStampsStartedAtOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &task.Task{ID: "t1", Status: task.StatusPending, CreatedAt: time.Now().UTC()}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateStatus(ctx, "t1", task.StatusStarting, "vm-t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "t1", task.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}
	first := *got.StartedAt

	if err := s.UpdateStatus(ctx, "t1", task.StatusSuspended, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, "t1", task.StatusRunning, ""); err != nil {
		t.Fatal(err)
	}
	got2, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !got2.StartedAt.Equal(first) {
		t.Errorf("started_at changed on re-entering Running: %v -> %v", first, got2.StartedAt)
	}
}

func TestCompleteDistinguishesExitCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk := &task.Task{ID: "t2", Status: task.StatusRunning, CreatedAt: time.Now().UTC()}
	if err := s.Create(ctx, tk); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(ctx, "t2", 1, "vm creation failed"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusTerminated {
		t.Errorf("status = %s, want terminated", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 1 {
		t.Errorf("exit_code = %v, want 1", got.ExitCode)
	}
	if got.ErrorMessage == "" {
		t.Error("expected error_message to be populated")
	}
}

func TestListFiltersByUserAndStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mk := func(id, user string, st task.Status) {
		if err := s.Create(ctx, &task.Task{ID: id, UserID: user, Status: st, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
	}
	mk("a", "alice", task.StatusRunning)
	mk("b", "bob", task.StatusRunning)
	mk("c", "alice", task.StatusTerminated)

	got, total, err := s.List(ctx, ListFilter{UserID: "alice", PerPage: 10, Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("expected 2 tasks for alice, got total=%d len=%d", total, len(got))
	}

	got, total, err = s.List(ctx, ListFilter{UserID: "alice", Status: task.StatusRunning, PerPage: 10, Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only task a for alice/running, got total=%d len=%d", total, len(got))
	}
}
