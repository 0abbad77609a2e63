package coordinator

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/examwatch/proctor/pkg/incident"
	"github.com/examwatch/proctor/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

func record(room string, n int) Record {
	return Record{RoomID: room, Incident: incident.Incident{
		ID:        fmt.Sprintf("i%d", n),
		Tag:       incident.FocusLost,
		Level:     incident.S1,
		Timestamp: time.UnixMilli(int64(1000 + n)),
		ActorID:   "c1",
	}}
}

func testArchive(t *testing.T, a Archive) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := a.Append(ctx, record("r1", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Append(ctx, record("r2", 9)); err != nil {
		t.Fatal(err)
	}

	list, err := a.List(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[i2 i3 i4]" {
		t.Errorf("kept %v, want the last 3", ids)
	}
	if list[0].RoomID != "r1" || list[0].Tag != incident.FocusLost || !list[0].Timestamp.Equal(time.UnixMilli(1002)) {
		t.Errorf("record %+v", list[0])
	}

	list, err = a.List(ctx, "nowhere")
	if err != nil || len(list) != 0 {
		t.Errorf("empty room %v %v", list, err)
	}
}

func TestMemoryArchive(t *testing.T) { testArchive(t, NewMemoryArchive(3)) }

// Needs a running redis, e.g. PROCTOR_TEST_REDIS=localhost:6379.
func TestRedisArchive(t *testing.T) {
	addr := os.Getenv("PROCTOR_TEST_REDIS")
	if addr == "" {
		t.Skip("PROCTOR_TEST_REDIS is not set")
	}
	ctx := context.Background()
	prefix := "proctor:test:" + xid.New().String() + ":"
	a, err := NewRedisArchive(ctx, &redis.Options{Addr: addr}, prefix, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		a.client.Del(ctx, prefix+"r1", prefix+"r2")
		_ = a.Close()
	}()
	testArchive(t, a)
}

func TestRedisUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisArchive(ctx, &redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}, "", 0); err == nil {
		t.Error("archive without redis")
	}
}

func TestSweeper(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	hub, srv := newServer(t, WithMetrics(metrics))
	join(t, srv, "r1", "c1", "candidate")
	join(t, srv, "r1", "p1", "proctor")
	join(t, srv, "r2", "p2", "proctor")

	sweeper, err := NewSweeper(hub, "", time.Hour, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	sweeper.Sweep()

	if v := testutil.ToFloat64(metrics.Rooms); v != 2 {
		t.Errorf("rooms %v", v)
	}
	if v := testutil.ToFloat64(metrics.Participants.WithLabelValues("proctor")); v != 2 {
		t.Errorf("proctors %v", v)
	}
	if v := testutil.ToFloat64(metrics.Participants.WithLabelValues("candidate")); v != 1 {
		t.Errorf("candidates %v", v)
	}

	sweeper.Run()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sweeper.Shutdown(ctx); err != nil {
		t.Error(err)
	}
}

func TestBadSchedule(t *testing.T) {
	if _, err := NewSweeper(NewHub(WithLogger(logger.Nop())), "every now and then", 0, logger.Nop()); err == nil {
		t.Error("accepted a bad schedule")
	}
}
