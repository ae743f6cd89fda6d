package events

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(got), n)
		}
	}
	return got
}

func partial(i int) Event {
	return Event{Type: TypePartial, Data: map[string]any{"chunk_index": i}}
}

func TestReplayThenLiveOrdering(t *testing.T) {
	b := New(nil)
	for i := 0; i < 3; i++ {
		b.Publish("s1", partial(i))
	}

	ch := b.Subscribe(context.Background(), "s1")

	b.Publish("s1", partial(3))
	b.Complete("s1")

	got := collect(t, ch, 5)
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5", len(got))
	}
	for i := 0; i < 4; i++ {
		if got[i].Type != TypePartial {
			t.Errorf("event[%d].Type = %q, want partial", i, got[i].Type)
		}
		if idx := got[i].Data.(map[string]any)["chunk_index"].(int); idx != i {
			t.Errorf("event[%d] chunk_index = %d, want %d", i, idx, i)
		}
	}
	if got[4].Type != TypeComplete {
		t.Errorf("last event = %q, want complete", got[4].Type)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after complete")
	}
}

func TestCapacityOneKeepsMostRecent(t *testing.T) {
	b := New(nil, WithCapacity(1))
	b.Publish("s1", partial(0))
	b.Publish("s1", partial(1))
	b.Publish("s1", partial(2))

	ch := b.Subscribe(context.Background(), "s1")
	b.Complete("s1")

	got := collect(t, ch, 2)
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (latest partial + complete)", len(got))
	}
	if idx := got[0].Data.(map[string]any)["chunk_index"].(int); idx != 2 {
		t.Errorf("replayed chunk_index = %d, want 2", idx)
	}
	if got[1].Type != TypeComplete {
		t.Errorf("last event = %q, want complete", got[1].Type)
	}
}

func TestLateSubscriberAfterComplete(t *testing.T) {
	b := New(nil)
	b.Publish("s1", partial(0))
	b.Complete("s1")

	ch := b.Subscribe(context.Background(), "s1")
	got := collect(t, ch, 2)
	if len(got) != 2 || got[1].Type != TypeComplete {
		t.Fatalf("late subscriber events = %+v, want replayed partial then complete", got)
	}
}

func TestPublishAfterCompleteIgnored(t *testing.T) {
	b := New(nil)
	b.Complete("s1")
	b.Publish("s1", partial(99))

	ch := b.Subscribe(context.Background(), "s1")
	got := collect(t, ch, 1)
	if len(got) != 1 || got[0].Type != TypeComplete {
		t.Errorf("events = %+v, want only the complete event", got)
	}
}

func TestCancelDropsOnlyThatSubscriber(t *testing.T) {
	b := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	chA := b.Subscribe(ctx, "s1")
	chB := b.Subscribe(context.Background(), "s1")

	cancel()
	// Wait for the cancellation goroutine to close chA.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chA:
			if !ok {
				goto cancelled
			}
		case <-deadline:
			t.Fatal("cancelled subscriber channel never closed")
		}
	}
cancelled:

	b.Publish("s1", partial(0))
	b.Complete("s1")
	got := collect(t, chB, 2)
	if len(got) != 2 {
		t.Fatalf("surviving subscriber got %d events, want 2", len(got))
	}
}

func TestConcurrentSubscribersSeeSameOrder(t *testing.T) {
	b := New(nil)
	chA := b.Subscribe(context.Background(), "s1")
	chB := b.Subscribe(context.Background(), "s1")
	for i := 0; i < 10; i++ {
		b.Publish("s1", partial(i))
	}
	b.Complete("s1")

	gotA := collect(t, chA, 11)
	gotB := collect(t, chB, 11)
	for i := range gotA {
		if gotA[i].Type != gotB[i].Type {
			t.Fatalf("subscriber order diverged at %d: %q vs %q", i, gotA[i].Type, gotB[i].Type)
		}
	}
}

func TestFormat(t *testing.T) {
	got := Format("partial", map[string]any{"chunk_index": 1})
	if !strings.HasPrefix(got, "event: partial\ndata: ") {
		t.Errorf("Format() = %q, want event line then data line", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Errorf("Format() = %q, want blank-line terminator", got)
	}
	if !strings.Contains(got, `"chunk_index":1`) {
		t.Errorf("Format() = %q, want JSON payload", got)
	}

	bare := Format("", map[string]any{})
	if strings.Contains(bare, "event:") {
		t.Errorf("Format(\"\") = %q, want no event line", bare)
	}
}
