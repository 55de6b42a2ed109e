//go:build integration

package integration

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"project-pulse/api/internal/models"
	"project-pulse/api/internal/repos"
)

func testPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("db ping failed: %v", err)
	}
	if err := repos.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema init failed: %v", err)
	}
	return pool
}

func TestEventStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool := testPool(t, ctx)
	store := repos.NewEventsRepo(pool)
	projectID := "it-" + uuid.NewString()

	base := time.Now().UTC().Add(-time.Hour)
	var appended []models.Event
	for i := 0; i < 3; i++ {
		ev, err := store.Append(ctx, models.Event{
			ProjectID:  projectID,
			EventType:  "task.created",
			Category:   models.CategoryTask,
			Source:     models.SourceSystem,
			Severity:   models.SeverityInfo,
			Title:      "integration event",
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		appended = append(appended, ev)
	}

	got, err := store.GetByID(ctx, appended[0].ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.ProjectID != projectID || got.Status != "pending" {
		t.Fatalf("stored event wrong: %+v", got)
	}

	listed, err := store.Query(ctx, models.EventFilter{ProjectID: projectID, Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("query returned %d, want 3", len(listed))
	}
	// Default order is newest first.
	if listed[0].ID != appended[2].ID {
		t.Fatalf("order wrong: first = %s", listed[0].ID)
	}

	// Cursor walk in ascending order, then mark processed.
	pending, err := store.ListAfter(ctx, projectID, time.Time{}, uuid.Nil, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(pending) != 3 || pending[0].ID != appended[0].ID {
		t.Fatalf("cursor walk wrong: %d events", len(pending))
	}
	ids := []uuid.UUID{pending[0].ID, pending[1].ID, pending[2].ID}
	if err := store.MarkProcessed(ctx, ids); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	pending, err = store.ListAfter(ctx, projectID, time.Time{}, uuid.Nil, 10)
	if err != nil {
		t.Fatalf("list after processed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("processed events still pending: %d", len(pending))
	}

	stats, err := store.Stats(ctx, projectID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 3 || stats.ByCategory[models.CategoryTask] != 3 {
		t.Fatalf("stats wrong: %+v", stats)
	}

	archived, err := store.ArchiveProcessedBefore(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived < 3 {
		t.Fatalf("archived = %d, want >= 3", archived)
	}
}

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	testPool(t, ctx)

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	influxURL := os.Getenv("INFLUX_URL")
	if influxURL == "" {
		t.Skip("INFLUX_URL not set")
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	if _, err := inspector.GetQueueInfo("default"); err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}

	if _, err := net.DialTimeout("tcp", strings.TrimSpace(brokers[0]), 2*time.Second); err != nil {
		t.Fatalf("kafka tcp check failed: %v", err)
	}
}
