package storage

import (
	"context"
	"log/slog"
	"os"
	"reflect"
	"testing"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", t.TempDir(), logger)
}

func TestLocalAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	if err := s.Append(ctx, "notifications-2025-01-07.log", []byte("a\n")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(ctx, "notifications-2025-01-07.log", []byte("b\n")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.Read(ctx, "notifications-2025-01-07.log")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "a\nb\n" {
		t.Errorf("Read() = %q, want %q", got, "a\nb\n")
	}
}

func TestLocalReadMissing(t *testing.T) {
	s := newLocalStore(t)
	_, err := s.Read(context.Background(), "notifications-1999-01-01.log")
	if !IsNotFound(err) {
		t.Errorf("Read() error = %v, want not found", err)
	}
}

func TestLocalListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	for _, name := range []string{"notifications-2025-01-08.log", "notifications-2025-01-07.log", "other.txt"} {
		if err := s.Append(ctx, name, []byte("x\n")); err != nil {
			t.Fatalf("Append(%s) error = %v", name, err)
		}
	}

	got, err := s.List(ctx, "notifications-")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"notifications-2025-01-07.log", "notifications-2025-01-08.log"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}

	if err := s.Delete(ctx, "notifications-2025-01-07.log"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "notifications-2025-01-07.log"); err != nil {
		t.Errorf("Delete() of missing object error = %v, want nil", err)
	}
	got, _ = s.List(ctx, "notifications-")
	if len(got) != 1 {
		t.Errorf("List() after delete = %v, want one object", got)
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	s := newLocalStore(t)
	for _, name := range []string{"", "../escape", "a/b", `a\b`} {
		if err := s.Append(context.Background(), name, []byte("x")); err == nil {
			t.Errorf("Append(%q) error = nil, want error", name)
		}
	}
}
