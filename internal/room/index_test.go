package room

import (
	"sort"
	"testing"
)

func TestJoinIsIdempotent(t *testing.T) {
	idx := New()
	idx.Join("R1", "a")
	idx.Join("R1", "a")
	members := idx.Members("R1")
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d: %v", len(members), members)
	}
}

func TestLeaveUnjoinedRoomIsNoop(t *testing.T) {
	idx := New()
	idx.Leave("R1", "ghost") // must not panic
	if idx.RoomCount() != 0 {
		t.Fatalf("expected no rooms created")
	}
}

func TestRoomRemovedWhenEmpty(t *testing.T) {
	idx := New()
	idx.Join("R1", "a")
	idx.Leave("R1", "a")
	if idx.RoomCount() != 0 {
		t.Fatalf("expected room to be removed once empty")
	}
	if members := idx.Members("R1"); members != nil {
		t.Fatalf("expected nil members for removed room, got %v", members)
	}
}

func TestMembersSnapshot(t *testing.T) {
	idx := New()
	idx.Join("R1", "a")
	idx.Join("R1", "b")
	idx.Join("R1", "c")

	members := idx.Members("R1")
	sort.Strings(members)
	want := []string{"a", "b", "c"}
	if len(members) != len(want) {
		t.Fatalf("got %v want %v", members, want)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("got %v want %v", members, want)
		}
	}
}

func TestLeaveAllCleansUpDisconnectedSocket(t *testing.T) {
	idx := New()
	idx.Join("R1", "a")
	idx.Join("R2", "a")
	idx.LeaveAll("a", []string{"R1", "R2"})

	if idx.Has("R1", "a") || idx.Has("R2", "a") {
		t.Fatalf("expected socket removed from all rooms")
	}
	if idx.RoomCount() != 0 {
		t.Fatalf("expected both rooms emptied and removed")
	}
}

func TestBroadcastToMissingRoomIsNoop(t *testing.T) {
	idx := New()
	if members := idx.Members("does-not-exist"); members != nil {
		t.Fatalf("expected nil members for missing room, got %v", members)
	}
}
