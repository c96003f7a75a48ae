package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) *RunQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRunQueue(client, visibility)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "exec-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "exec-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("depth = %d err = %v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "exec-1" {
		t.Fatalf("dequeue = %q err = %v", id, err)
	}
	// Dequeued id is in-flight, not ready.
	depth, _ = q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("depth after dequeue = %d", depth)
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	// Acked leases are not requeued.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked id requeued: %v", ids)
	}
}

func TestDequeueEmptyReturnsNoID(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)
	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id, got %q", id)
	}
}

func TestRequeueExpiredReturnsUnackedWork(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "exec-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "exec-1" {
		t.Fatalf("dequeue = %q err = %v", id, err)
	}

	// Before the visibility timeout nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("premature requeue: ids=%v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "exec-1" {
		t.Fatalf("requeued = %v", ids)
	}
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "exec-1" {
		t.Fatalf("redelivered = %q err = %v", id, err)
	}
}

func TestExtendLeaseDefersReclaim(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Second)

	if err := q.Enqueue(ctx, "exec-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.ExtendLease(ctx, "exec-1", time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("extended lease reclaimed: ids=%v err=%v", ids, err)
	}
}

func TestRemoveDropsFromBothSets(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 30*time.Second)

	if err := q.Enqueue(ctx, "exec-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Remove(ctx, "exec-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("removed id dequeued: %q err=%v", id, err)
	}
}
