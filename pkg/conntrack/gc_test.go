package conntrack

import (
	"context"
	"sync"
	"testing"
	"time"
)

// mockExpirer counts sweep ticks and reports a fixed number of expiries
// per tick.
type mockExpirer struct {
	mu      sync.Mutex
	ticks   int
	perTick int
}

func (m *mockExpirer) Expire() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
	return m.perTick
}

func (m *mockExpirer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

func TestGCSweepsEveryTarget(t *testing.T) {
	a := &mockExpirer{perTick: 1}
	b := &mockExpirer{}
	gc := NewGC(time.Minute, Target{Name: "state", Table: a}, Target{Name: "frag", Table: b})

	gc.sweep()
	gc.sweep()

	if a.count() != 2 || b.count() != 2 {
		t.Fatalf("ticks = %d,%d, want 2,2", a.count(), b.count())
	}
	if gc.Sweeps() != 2 {
		t.Errorf("sweeps = %d", gc.Sweeps())
	}
}

func TestGCDefaultInterval(t *testing.T) {
	gc := NewGC(0)
	if gc.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", gc.interval, DefaultInterval)
	}
}

func TestGCRunUntilCancelled(t *testing.T) {
	m := &mockExpirer{}
	gc := NewGC(20*time.Millisecond, Target{Name: "nat", Table: m})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	gc.Run(ctx)

	if m.count() == 0 {
		t.Fatal("Run never swept")
	}
}

func TestGCAgesStateTable(t *testing.T) {
	tbl := NewTable(Config{UDPAge: 2})
	d := udp(t, "10.0.0.1", 5000, "10.0.0.2", 53)
	if _, err := tbl.Add(&d, 0); err != nil {
		t.Fatal(err)
	}
	var expired []Entry
	tbl.OnExpire = func(e Entry) { expired = append(expired, e) }

	gc := NewGC(time.Minute, Target{Name: "state", Table: tbl})
	gc.sweep()
	if tbl.Len() != 1 {
		t.Fatalf("entry gone after one tick")
	}
	gc.sweep()
	if tbl.Len() != 0 {
		t.Fatalf("entry alive after its age ran out")
	}
	if len(expired) != 1 || expired[0].DstPort != 53 {
		t.Fatalf("OnExpire got %+v", expired)
	}
}
