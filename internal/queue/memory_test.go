package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, Job{ID: id, Kind: JobKindOptimization, RunID: id}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if job.ID != want {
			t.Errorf("expected %s, got %s", want, job.ID)
		}
	}
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	done := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Errorf("Dequeue: %v", err)
			return
		}
		done <- job
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, Job{ID: "late"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case job := <-done:
		if job.ID != "late" {
			t.Errorf("expected late, got %s", job.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryQueue_RemoveAndContains(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, Job{ID: "job-1"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ok, err := q.Contains(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("expected job queued, got ok=%v err=%v", ok, err)
	}

	removed, err := q.Remove(ctx, "job-1")
	if err != nil || !removed {
		t.Fatalf("expected removal, got removed=%v err=%v", removed, err)
	}

	removed, err = q.Remove(ctx, "job-1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed {
		t.Error("second removal must report false")
	}

	ok, err = q.Contains(ctx, "job-1")
	if err != nil || ok {
		t.Errorf("expected job gone, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryQueue_CloseUnblocksConsumers(t *testing.T) {
	q := NewMemoryQueue()

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not unblock consumer")
	}
}
