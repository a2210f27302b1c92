package calls

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepo_SaveRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	s, _ := NewSession("s1", "+15551234567", DirectionOutbound, time.Now())

	created, err := repo.Create(ctx, s)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}
	if _, err := repo.Create(ctx, s); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	a, _ := repo.Load(ctx, "s1")
	b, _ := repo.Load(ctx, "s1")

	a.State = StateGreeting
	saved, err := repo.Save(ctx, a)
	if err != nil {
		t.Fatalf("save a: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	b.State = StateFailed
	if _, err := repo.Save(ctx, b); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := repo.Load(ctx, "s1")
	if got.State != StateGreeting {
		t.Fatalf("stale write landed: %q", got.State)
	}
}

func TestMemoryRepo_LoadMissing(t *testing.T) {
	repo := NewMemoryRepo()
	if _, err := repo.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Save(context.Background(), Session{SessionID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_ListFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"a", "b", "c"} {
		s, _ := NewSession(id, "+15551234567", DirectionOutbound, base.Add(time.Duration(i)*time.Hour))
		if id == "b" {
			s.State = StateFailed
		}
		if _, err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, _ := repo.List(ctx, ListFilter{})
	if len(all) != 3 || all[0].SessionID != "a" {
		t.Fatalf("unexpected list: %+v", all)
	}
	failed, _ := repo.List(ctx, ListFilter{State: StateFailed})
	if len(failed) != 1 || failed[0].SessionID != "b" {
		t.Fatalf("unexpected state filter: %+v", failed)
	}
	window, _ := repo.List(ctx, ListFilter{From: base.Add(30 * time.Minute), To: base.Add(2 * time.Hour)})
	if len(window) != 1 || window[0].SessionID != "b" {
		t.Fatalf("unexpected window: %+v", window)
	}
}

func TestMemoryRepo_FindByProviderCallID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	s, _ := NewSession("s1", "+15551234567", DirectionInbound, time.Now())
	s.ProviderCallID = "CA123"
	if _, err := repo.Create(ctx, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := repo.FindByProviderCallID(ctx, "CA123")
	if err != nil || got.SessionID != "s1" {
		t.Fatalf("expected s1, got %+v %v", got, err)
	}
	if _, err := repo.FindByProviderCallID(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty id, got %v", err)
	}
}
