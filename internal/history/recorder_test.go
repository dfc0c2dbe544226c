package history

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("boom")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventCrash, ProcessTunnel, 42, "exit status 1")
	if e.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("expected a generated id")
	}
	if e.Type != EventCrash || e.Process != ProcessTunnel || e.PID != 42 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.OccurredAt.Location().String() != "UTC" {
		t.Fatalf("expected UTC timestamp, got %s", e.OccurredAt.Location())
	}
	if other := NewEvent(EventCrash, ProcessTunnel, 42, ""); other.ID == e.ID {
		t.Fatal("ids must be unique")
	}
}

func TestRecorderDeliversInOrderAndCloses(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: true}
	r := NewRecorder(nil, a, b)
	types := []EventType{EventStart, EventCoupledStop, EventStop}
	for _, typ := range types {
		r.Record(NewEvent(typ, ProcessWebServer, 7, ""))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(a.events) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(a.events))
	}
	for i, typ := range types {
		if a.events[i].Type != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, a.events[i].Type)
		}
	}
	if !a.closed || !b.closed {
		t.Fatal("sinks should be closed")
	}

	r.Record(NewEvent(EventStart, ProcessTunnel, 1, ""))
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.Record(NewEvent(EventStart, ProcessTunnel, 1, ""))
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type readableSink struct{ memSink }

func (s *readableSink) Recent(_ context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.events) {
		limit = len(s.events)
	}
	return append([]Event(nil), s.events[:limit]...), nil
}

func TestRecorderReader(t *testing.T) {
	var nilRec *Recorder
	if nilRec.Reader() != nil {
		t.Fatal("nil recorder has no reader")
	}
	if NewRecorder(nil, &memSink{}).Reader() != nil {
		t.Fatal("plain sink is not a reader")
	}
	rs := &readableSink{}
	r := NewRecorder(nil, &memSink{}, rs)
	defer func() { _ = r.Close() }()
	if r.Reader() != Reader(rs) {
		t.Fatal("expected the readable sink")
	}
}
