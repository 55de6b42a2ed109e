package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"project-pulse/api/internal/models"
	"project-pulse/shared/metricsx"
)

const DefaultCapacity = 1000

// Service holds rule-produced notifications in a bounded in-memory queue.
// When the queue is full the oldest entry is evicted. Contents are lost on
// restart; the event log remains the durable record.
type Service struct {
	mu        sync.Mutex
	queue     []models.Notification
	capacity  int
	totalSent int64
	byType    map[string]int64
}

func NewService(capacity int) *Service {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Service{
		capacity: capacity,
		byType:   make(map[string]int64),
	}
}

// Send enqueues a notification, evicting the oldest entry when at capacity.
// Invalid types are coerced to info rather than dropped.
func (s *Service) Send(notificationType, title, message, ruleID string) models.Notification {
	if !models.ValidNotificationType(notificationType) {
		notificationType = models.NotificationInfo
	}
	n := models.Notification{
		ID:        uuid.New(),
		Type:      notificationType,
		Title:     title,
		Message:   message,
		RuleID:    ruleID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if len(s.queue) >= s.capacity {
		evict := len(s.queue) - s.capacity + 1
		s.queue = append(s.queue[:0], s.queue[evict:]...)
		metricsx.IncNotificationsEvicted(evict)
	}
	s.queue = append(s.queue, n)
	s.totalSent++
	s.byType[n.Type]++
	depth := len(s.queue)
	s.mu.Unlock()

	metricsx.SetNotificationQueueDepth(depth)
	return n
}

// Resize changes the capacity, evicting oldest entries if the queue now
// exceeds it. Non-positive capacities are ignored.
func (s *Service) Resize(capacity int) {
	if capacity <= 0 {
		return
	}
	s.mu.Lock()
	s.capacity = capacity
	if over := len(s.queue) - capacity; over > 0 {
		s.queue = append(s.queue[:0], s.queue[over:]...)
		metricsx.IncNotificationsEvicted(over)
	}
	depth := len(s.queue)
	s.mu.Unlock()
	metricsx.SetNotificationQueueDepth(depth)
}

// List returns notifications newest first. An empty type matches all;
// unreadOnly filters read entries; limit <= 0 means no limit.
func (s *Service) List(notificationType string, unreadOnly bool, limit int) []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Notification, 0, len(s.queue))
	for i := len(s.queue) - 1; i >= 0; i-- {
		n := s.queue[i]
		if notificationType != "" && n.Type != notificationType {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// MarkRead is idempotent; marking an evicted or unknown id reports false.
func (s *Service) MarkRead(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ID == id {
			s.queue[i].Read = true
			return true
		}
	}
	return false
}

func (s *Service) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	marked := 0
	for i := range s.queue {
		if !s.queue[i].Read {
			s.queue[i].Read = true
			marked++
		}
	}
	return marked
}

type Stats struct {
	TotalSent int64            `json:"total_sent"`
	Queued    int              `json:"queued"`
	Unread    int              `json:"unread"`
	ByType    map[string]int64 `json:"by_type"`
	Capacity  int              `json:"capacity"`
}

// Stats reports queue state. TotalSent and ByType are monotonic across
// evictions; Queued and Unread reflect only what is still held.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	unread := 0
	for i := range s.queue {
		if !s.queue[i].Read {
			unread++
		}
	}
	byType := make(map[string]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return Stats{
		TotalSent: s.totalSent,
		Queued:    len(s.queue),
		Unread:    unread,
		ByType:    byType,
		Capacity:  s.capacity,
	}
}
