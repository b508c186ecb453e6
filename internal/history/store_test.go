package history

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/wlancm/internal/testutil"
)

func testStore(t *testing.T) *HistoryStore {
	t.Helper()
	db := testutil.NewStore(t)
	if err := db.Migrate(context.Background(), "history", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewHistoryStore(db.DB())
}

func insertRecord(t *testing.T, s *HistoryStore, r *Record) {
	t.Helper()
	if err := s.Insert(context.Background(), r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestList_NewestFirstPerVdev(t *testing.T) {
	s := testStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	insertRecord(t, s, &Record{ID: "r1", Vdev: 0, CMID: "CM-0C-0-1", Kind: "connect", Event: "connect_req", FromState: "INIT", ToState: "CONNECTING", CreatedAt: base})
	insertRecord(t, s, &Record{ID: "r2", Vdev: 0, CMID: "CM-0C-0-1", Kind: "connect", Event: "connect_completed", Status: "success", Reason: "success", BSSID: "00:11:22:33:44:01", SSID: "home", CreatedAt: base.Add(time.Second)})
	insertRecord(t, s, &Record{ID: "r3", Vdev: 1, CMID: "CM-0C-1-1", Kind: "connect", Event: "connect_req", CreatedAt: base.Add(2 * time.Second)})
	insertRecord(t, s, &Record{ID: "r4", Vdev: 0, CMID: "CM-0D-0-2", Kind: "disconnect", Event: "disconnect_completed", Status: "success", CreatedAt: base.Add(3 * time.Second)})

	got, err := s.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d records, want 3", len(got))
	}
	if got[0].ID != "r4" || got[1].ID != "r2" || got[2].ID != "r1" {
		t.Errorf("order = %s %s %s, want r4 r2 r1", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[1].SSID != "home" || got[1].BSSID != "00:11:22:33:44:01" || got[1].Status != "success" {
		t.Errorf("round trip lost fields: %+v", got[1])
	}
	if !got[2].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got[2].CreatedAt, base)
	}

	limited, err := s.List(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "r4" {
		t.Errorf("List limit 1 = %+v", limited)
	}

	empty, err := s.List(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List of unknown vdev = %#v, want empty slice", empty)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	insertRecord(t, s, &Record{ID: "old", CMID: "CM-0C-0-1", Kind: "connect", Event: "e", CreatedAt: now.Add(-48 * time.Hour)})
	insertRecord(t, s, &Record{ID: "new", CMID: "CM-0C-0-2", Kind: "connect", Event: "e", CreatedAt: now})

	n, err := s.DeleteOlderThan(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteOlderThan removed %d, want 1", n)
	}
	got, _ := s.List(context.Background(), 0, 10)
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("remaining = %+v", got)
	}
}
