package realtime

import (
	"errors"
	"testing"
)

func TestAudioQueue_FlushInOrder(t *testing.T) {
	var q audioQueue
	q.enqueue([]byte("one"))
	q.enqueue([]byte("two"))
	q.enqueue([]byte("three"))

	if q.len() != 3 {
		t.Fatalf("Expected 3 buffered chunks, got %d", q.len())
	}

	var sent []string
	err := q.flush(func(b []byte) error {
		sent = append(sent, string(b))
		return nil
	})
	if err != nil {
		t.Fatalf("flush() error = %v", err)
	}

	want := []string{"one", "two", "three"}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, sent[i], want[i])
		}
	}
	if q.len() != 0 {
		t.Errorf("Expected empty queue after flush, got %d", q.len())
	}
}

func TestAudioQueue_FlushRunsOnce(t *testing.T) {
	var q audioQueue
	q.enqueue([]byte("a"))

	calls := 0
	send := func([]byte) error {
		calls++
		return nil
	}
	q.flush(send)
	q.enqueue([]byte("b"))
	q.flush(send)

	if calls != 1 {
		t.Errorf("Expected a single send, got %d", calls)
	}
}

func TestAudioQueue_FlushErrorDiscardsRest(t *testing.T) {
	var q audioQueue
	q.enqueue([]byte("a"))
	q.enqueue([]byte("b"))
	q.enqueue([]byte("c"))

	boom := errors.New("write failed")
	calls := 0
	err := q.flush(func([]byte) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})

	if !errors.Is(err, boom) {
		t.Errorf("Expected send error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected flush to stop at the failing chunk, got %d sends", calls)
	}
	if q.len() != 0 {
		t.Errorf("Expected remaining chunks discarded, got %d", q.len())
	}
}

func TestAudioQueue_Discard(t *testing.T) {
	var q audioQueue
	q.enqueue([]byte("a"))
	q.enqueue([]byte("b"))

	if n := q.discard(); n != 2 {
		t.Errorf("discard() = %d, want 2", n)
	}
	if n := q.discard(); n != 0 {
		t.Errorf("second discard() = %d, want 0", n)
	}
}
