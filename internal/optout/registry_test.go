package optout

import (
	"context"
	"errors"
	"testing"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/logging"
	"wa-notifier/internal/repo"
)

type memStore struct {
	records map[string]*repo.OptOutRecord
	err     error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*repo.OptOutRecord{}}
}

func (m *memStore) GetOptOut(_ context.Context, phone string) (*repo.OptOutRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.records[phone], nil
}

func (m *memStore) UpsertOptOut(_ context.Context, phone string, at time.Time, reason *string) error {
	rec := m.record(phone)
	rec.OptedOutAt = &at
	rec.Reason = reason
	return nil
}

func (m *memStore) UpsertOptIn(_ context.Context, phone string, at time.Time) error {
	rec := m.record(phone)
	rec.OptedInAt = &at
	return nil
}

func (m *memStore) record(phone string) *repo.OptOutRecord {
	rec, ok := m.records[phone]
	if !ok {
		rec = &repo.OptOutRecord{Phone: phone}
		m.records[phone] = rec
	}
	return rec
}

func TestDerive(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	t2 := t1.Add(time.Hour)

	cases := []struct {
		name string
		rec  *repo.OptOutRecord
		want bool
	}{
		{"no record", nil, true},
		{"never opted in", &repo.OptOutRecord{OptedOutAt: &t1}, true},
		{"opted in only", &repo.OptOutRecord{OptedInAt: &t1}, false},
		{"opt-out after opt-in", &repo.OptOutRecord{OptedInAt: &t1, OptedOutAt: &t2}, true},
		{"opt-out before opt-in", &repo.OptOutRecord{OptedInAt: &t1, OptedOutAt: &t0}, false},
		{"same instant", &repo.OptOutRecord{OptedInAt: &t1, OptedOutAt: &t1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Derive(tc.rec); got != tc.want {
				t.Fatalf("Derive() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsOptedOutFailsSafe(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("db down")
	r := New(store, logging.Discard(), nil)
	if !r.IsOptedOut(context.Background(), "+44 7700 900001") {
		t.Fatal("expected storage error to block the send")
	}
}

func TestRemoveOptOutKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	r := New(store, logging.Discard(), nil)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	if err := r.RemoveOptOut(ctx, "+44 7700 900001"); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	if r.IsOptedOut(ctx, "447700900001") {
		t.Fatal("expected opted in")
	}

	clock = clock.Add(time.Minute)
	if err := r.AddOptOut(ctx, "447700900001", "STOP"); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if err := r.Check(ctx, "447700900001"); !apperr.IsCompliance(err) {
		t.Fatalf("expected compliance error, got %v", err)
	}

	clock = clock.Add(time.Minute)
	if err := r.RemoveOptOut(ctx, "447700900001"); err != nil {
		t.Fatalf("opt in again: %v", err)
	}
	rec := store.records["447700900001"]
	if rec.OptedOutAt == nil {
		t.Fatal("opt-out stamp must be kept")
	}
	if r.IsOptedOut(ctx, "447700900001") {
		t.Fatal("expected opted in after removal")
	}
}

func TestAddOptOutRejectsInvalidPhone(t *testing.T) {
	r := New(newMemStore(), logging.Discard(), nil)
	if err := r.AddOptOut(context.Background(), "12", ""); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
