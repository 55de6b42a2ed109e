package notify

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"project-pulse/api/internal/models"
)

func TestSendAndList(t *testing.T) {
	s := NewService(10)
	s.Send(models.NotificationInfo, "first", "m1", "rule-a")
	s.Send(models.NotificationWarning, "second", "m2", "rule-b")
	s.Send(models.NotificationInfo, "third", "m3", "rule-a")

	all := s.List("", false, 0)
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Title != "third" || all[2].Title != "first" {
		t.Fatalf("order wrong: %q ... %q", all[0].Title, all[2].Title)
	}

	warnings := s.List(models.NotificationWarning, false, 0)
	if len(warnings) != 1 || warnings[0].Title != "second" {
		t.Fatalf("type filter wrong: %+v", warnings)
	}

	limited := s.List("", false, 2)
	if len(limited) != 2 || limited[0].Title != "third" {
		t.Fatalf("limit wrong: %+v", limited)
	}
}

func TestInvalidTypeCoercedToInfo(t *testing.T) {
	s := NewService(10)
	n := s.Send("shouting", "t", "m", "")
	if n.Type != models.NotificationInfo {
		t.Fatalf("type = %q, want info", n.Type)
	}
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	s := NewService(3)
	for i := 1; i <= 5; i++ {
		s.Send(models.NotificationInfo, fmt.Sprintf("n%d", i), "m", "")
	}

	got := s.List("", false, 0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Title != "n5" || got[2].Title != "n3" {
		t.Fatalf("eviction wrong: newest %q oldest %q", got[0].Title, got[2].Title)
	}

	stats := s.Stats()
	if stats.TotalSent != 5 {
		t.Fatalf("total_sent = %d, want 5", stats.TotalSent)
	}
	if stats.Queued != 3 {
		t.Fatalf("queued = %d, want 3", stats.Queued)
	}
}

func TestResizeEvictsDownToNewCapacity(t *testing.T) {
	s := NewService(5)
	for i := 1; i <= 5; i++ {
		s.Send(models.NotificationInfo, fmt.Sprintf("n%d", i), "m", "")
	}

	s.Resize(2)
	got := s.List("", false, 0)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Title != "n5" || got[1].Title != "n4" {
		t.Fatalf("kept wrong entries: %q %q", got[0].Title, got[1].Title)
	}

	// Ignored, not an error.
	s.Resize(0)
	if stats := s.Stats(); stats.Capacity != 2 {
		t.Fatalf("capacity = %d, want 2", stats.Capacity)
	}
}

func TestMarkRead(t *testing.T) {
	s := NewService(10)
	n := s.Send(models.NotificationInfo, "t", "m", "")

	if !s.MarkRead(n.ID) {
		t.Fatal("MarkRead returned false for known id")
	}
	if !s.MarkRead(n.ID) {
		t.Fatal("MarkRead not idempotent")
	}
	if s.MarkRead(uuid.New()) {
		t.Fatal("MarkRead returned true for unknown id")
	}

	unread := s.List("", true, 0)
	if len(unread) != 0 {
		t.Fatalf("unread = %d, want 0", len(unread))
	}
}

func TestMarkAllReadAndStats(t *testing.T) {
	s := NewService(10)
	s.Send(models.NotificationInfo, "a", "m", "")
	s.Send(models.NotificationError, "b", "m", "")
	s.Send(models.NotificationError, "c", "m", "")

	if marked := s.MarkAllRead(); marked != 3 {
		t.Fatalf("marked = %d, want 3", marked)
	}
	if marked := s.MarkAllRead(); marked != 0 {
		t.Fatalf("second MarkAllRead = %d, want 0", marked)
	}

	stats := s.Stats()
	if stats.Unread != 0 {
		t.Fatalf("unread = %d, want 0", stats.Unread)
	}
	if stats.ByType[models.NotificationError] != 2 {
		t.Fatalf("by_type[error] = %d, want 2", stats.ByType[models.NotificationError])
	}
}
