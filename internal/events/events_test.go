package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestFileSink_Publish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	s, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	e1, _ := New(KindTimeline, "prod-1", map[string]string{"action": "created"})
	e2, _ := New(KindCycle, "cycle-1", map[string]bool{"success": true})
	ctx := context.Background()
	if err := s.Publish(ctx, e1); err != nil {
		t.Fatalf("publish1: %v", err)
	}
	if err := s.Publish(ctx, e2); err != nil {
		t.Fatalf("publish2: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	var got []Envelope
	for sc.Scan() {
		var e Envelope
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].Key != "prod-1" || got[1].Kind != KindCycle {
		t.Errorf("mismatch: %+v", got)
	}
}

type fakeKafkaWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_Publish(t *testing.T) {
	fw := &fakeKafkaWriter{}
	k := newKafkaSinkWith(fw)

	e, _ := New(KindTimeline, "prod-7", map[string]int{"n": 1})
	if err := k.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fw.msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(fw.msgs))
	}
	msg := fw.msgs[0]
	if string(msg.Key) != "prod-7" {
		t.Errorf("key = %q, want prod-7", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != KindTimeline {
		t.Errorf("headers = %+v", msg.Headers)
	}
	var decoded Envelope
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != KindTimeline {
		t.Errorf("kind = %q", decoded.Kind)
	}

	if err := k.Close(); err != nil || !fw.closed {
		t.Errorf("Close() = %v, closed = %v", err, fw.closed)
	}
}

func TestMultiSink_ReportsAllFailures(t *testing.T) {
	boom := errors.New("broker down")
	good := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{err: boom}
	m := NewMultiSink(newKafkaSinkWith(bad), newKafkaSinkWith(good), Nop{})

	e, _ := New(KindOrder, "ord-1", nil)
	err := m.Publish(context.Background(), e)
	if !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want %v", err, boom)
	}
	if len(good.msgs) != 1 {
		t.Errorf("healthy sink got %d messages, want 1", len(good.msgs))
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
