package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeDB struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakeDB) PingContext(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.err
}

func (f *fakeDB) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestNewMonitor(t *testing.T) {
	m := NewMonitor(map[string]Pinger{"target": &fakeDB{}, "registry": &fakeDB{}}, time.Second)

	if !m.IsHealthy("target") || !m.IsHealthy("registry") {
		t.Error("Expected targets to start healthy")
	}
	if m.IsHealthy("unknown") {
		t.Error("Expected unknown target to be unhealthy")
	}
	if len(m.Unhealthy()) != 0 {
		t.Errorf("Expected no unhealthy targets, got %v", m.Unhealthy())
	}
}

func TestCheckAll(t *testing.T) {
	db := &fakeDB{}
	m := NewMonitor(map[string]Pinger{"target": db}, time.Second)

	db.fail(errors.New("connection refused"))
	m.CheckAll(context.Background())
	if m.IsHealthy("target") {
		t.Error("Expected target to be unhealthy after failed ping")
	}

	db.fail(nil)
	m.CheckAll(context.Background())
	if !m.IsHealthy("target") {
		t.Error("Expected target to recover after successful ping")
	}
}

func TestPingContext(t *testing.T) {
	good, bad := &fakeDB{}, &fakeDB{err: errors.New("down")}
	m := NewMonitor(map[string]Pinger{"a": good, "b": bad}, 0)

	err := m.PingContext(context.Background())
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("Expected UnreachableError, got %v", err)
	}
	if len(unreachable.Targets) != 1 || unreachable.Targets[0] != "b" {
		t.Errorf("Expected [b], got %v", unreachable.Targets)
	}
	if err.Error() != "unreachable: b" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestUpdateTargets(t *testing.T) {
	a := &fakeDB{}
	m := NewMonitor(map[string]Pinger{"a": a}, 0)
	m.MarkUnhealthy("a", errors.New("down"))

	m.UpdateTargets(map[string]Pinger{"a": a, "b": &fakeDB{}})

	if m.IsHealthy("a") {
		t.Error("Expected a to keep its unhealthy status")
	}
	if !m.IsHealthy("b") {
		t.Error("Expected new target b to start healthy")
	}

	m.UpdateTargets(map[string]Pinger{"b": &fakeDB{}})
	if m.IsHealthy("a") {
		t.Error("Expected removed target to be forgotten")
	}
}

func TestStartHealthChecks(t *testing.T) {
	db := &fakeDB{}
	m := NewMonitor(map[string]Pinger{"target": db}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartHealthChecks(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	db.mu.Lock()
	n := db.n
	db.mu.Unlock()
	if n < 2 {
		t.Errorf("Expected repeated checks, got %d", n)
	}
}
