package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestInMemoryRoundTrip(t *testing.T) {
	q := NewInMemory(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := Message{Type: "roster_retry", Body: []byte(`{"session_id":"s1"}`)}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-msgs:
		if got.Type != want.Type || string(got.Body) != string(want.Body) {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestInMemoryPublishHonorsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Publish(ctx, Message{Type: "a"}); err != nil {
		t.Fatal(err)
	}
	// Buffer full and nobody consuming: a cancelled publish must return.
	cancel()
	if err := q.Publish(ctx, Message{Type: "b"}); err == nil {
		t.Fatal("publish on full queue ignored cancellation")
	}
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	in := Message{Type: "roster_retry", Body: []byte(`{"session_id":"s1","enrollment":"E1"}`)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != in.Type {
		t.Errorf("type = %q", out.Type)
	}
	// The body survives as raw JSON, not a re-encoded blob.
	var job struct {
		SessionID  string `json:"session_id"`
		Enrollment string `json:"enrollment"`
	}
	if err := json.Unmarshal(out.Body, &job); err != nil {
		t.Fatal(err)
	}
	if job.SessionID != "s1" || job.Enrollment != "E1" {
		t.Errorf("job = %+v", job)
	}
}
