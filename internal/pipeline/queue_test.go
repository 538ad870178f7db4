package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/ppe-monitor/internal/ppe"
)

func frameN(id int64) *ppe.Frame {
	return ppe.NewFrame("cam-1", id, t0.Add(time.Duration(id)*100*time.Millisecond), nil)
}

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(3)
	for i := int64(1); i <= 3; i++ {
		if n := q.Push(frameN(i)); n != 0 {
			t.Fatalf("push %d evicted %d frames", i, n)
		}
	}

	for want := int64(1); want <= 3; want++ {
		f, ok := q.TryPop()
		if !ok {
			t.Fatalf("expected frame %d", want)
		}
		if f.ID != want {
			t.Errorf("popped frame %d, want %d", f.ID, want)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Error("expected empty queue")
	}
}

func TestFrameQueue_NewestReplacesOldest(t *testing.T) {
	q := NewFrameQueue(2)
	q.Push(frameN(1))
	q.Push(frameN(2))

	if n := q.Push(frameN(3)); n != 1 {
		t.Errorf("expected one eviction, got %d", n)
	}
	if q.Dropped() != 1 {
		t.Errorf("expected dropped 1, got %d", q.Dropped())
	}
	if q.Len() != 2 {
		t.Errorf("expected len 2, got %d", q.Len())
	}

	f, _ := q.TryPop()
	if f.ID != 2 {
		t.Errorf("expected oldest surviving frame 2, got %d", f.ID)
	}
	f, _ = q.TryPop()
	if f.ID != 3 {
		t.Errorf("expected newest frame 3, got %d", f.ID)
	}
}

func TestFrameQueue_CloseAndDrain(t *testing.T) {
	q := NewFrameQueue(2)
	q.Push(frameN(1))
	q.Close()

	if q.Drained() {
		t.Error("queue with a frame should not be drained")
	}
	if n := q.Push(frameN(2)); n != 1 {
		t.Errorf("push after close should be refused, got %d", n)
	}
	if _, ok := q.TryPop(); !ok {
		t.Fatal("queued frame should survive close")
	}
	if !q.Drained() {
		t.Error("expected drained queue")
	}
}

func TestFrameQueue_ReadySignal(t *testing.T) {
	q := NewFrameQueue(1)

	select {
	case <-q.Ready():
		t.Fatal("ready before any push")
	default:
	}

	q.Push(frameN(1))
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled after push")
	}

	q.Close()
	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled after close")
	}
}

func TestFrameQueue_ConcurrentPush(t *testing.T) {
	q := NewFrameQueue(4)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				q.Push(frameN(int64(g*100 + i)))
			}
		}(g)
	}
	wg.Wait()

	if q.Len() != 4 {
		t.Errorf("expected full queue, got %d", q.Len())
	}
	if q.Dropped() != 800-4 {
		t.Errorf("expected %d dropped, got %d", 800-4, q.Dropped())
	}
}
