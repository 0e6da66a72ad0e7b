// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	inserted []string
	removed  []string
}

func (r *recorder) Inserted(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserted = append(r.inserted, c.ID)
}

func (r *recorder) Removed(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, c.ID)
}

func TestRegistry_InsertRemove(t *testing.T) {
	rec := &recorder{}
	r := New(rec)

	now := time.Now()
	c := Connection{ID: "a", RemoteAddr: "10.0.0.1:5000", FrontPort: 25566, ConnectedAt: now}

	if err := r.Insert(c); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.Insert(c); err == nil {
		t.Error("Expected duplicate insert to fail")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 connection, got %d", r.Len())
	}

	if !r.Annotate("a", "host.example") {
		t.Error("Expected annotate of live connection to succeed")
	}
	got, ok := r.Get("a")
	if !ok || got.ClientInfo != "host.example" {
		t.Errorf("Expected annotated connection, got %+v", got)
	}

	removed, ok := r.Remove("a")
	if !ok || removed.ID != "a" {
		t.Fatalf("Expected to remove a, got %+v %v", removed, ok)
	}
	if _, ok := r.Remove("a"); ok {
		t.Error("Expected second remove to report false")
	}
	if r.Annotate("a", "late") {
		t.Error("Expected annotate after removal to fail")
	}

	if len(rec.inserted) != 1 || len(rec.removed) != 1 {
		t.Errorf("Expected exactly one insert and one remove notification, got %v %v", rec.inserted, rec.removed)
	}
}

func TestRegistry_SnapshotOrder(t *testing.T) {
	r := New()
	base := time.Now()

	r.Insert(Connection{ID: "late", FrontPort: 2, ConnectedAt: base.Add(2 * time.Second)})
	r.Insert(Connection{ID: "early", FrontPort: 1, ConnectedAt: base})
	r.Insert(Connection{ID: "mid", FrontPort: 1, ConnectedAt: base.Add(time.Second)})

	snap := r.Snapshot()
	want := []string{"early", "mid", "late"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("Expected %s at %d, got %s", id, i, snap[i].ID)
		}
	}

	byPort := r.ByPort()
	if len(byPort[1]) != 2 || len(byPort[2]) != 1 {
		t.Errorf("Unexpected grouping: %v", byPort)
	}
	if byPort[1][0].ID != "early" {
		t.Errorf("Expected groups to keep connect order, got %v", byPort[1])
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	rec := &recorder{}
	r := New(rec)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			if err := r.Insert(Connection{ID: id, FrontPort: 25566 + i%4, ConnectedAt: time.Now()}); err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			_ = r.Snapshot()
			if _, ok := r.Remove(id); !ok {
				t.Errorf("Expected %s to be removed", id)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Len())
	}
	if len(rec.inserted) != n || len(rec.removed) != n {
		t.Errorf("Expected %d notifications each, got %d and %d", n, len(rec.inserted), len(rec.removed))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{59*time.Second + 900*time.Millisecond, "59s"},
		{60 * time.Second, "1m 0s"},
		{3*time.Minute + 7*time.Second, "3m 7s"},
		{2*time.Hour + 5*time.Minute + 30*time.Second, "2h 5m"},
		{-time.Second, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatDuration(tt.in); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConnection_Duration(t *testing.T) {
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Connection{ConnectedAt: at}

	if d := c.Duration(at.Add(90 * time.Second)); d != 90*time.Second {
		t.Errorf("Expected 90s, got %v", d)
	}
	if d := c.Duration(at.Add(-time.Second)); d != 0 {
		t.Errorf("Expected clock skew to clamp to 0, got %v", d)
	}
	if got := c.ConnectTime(); got != at.Local().Format("15:04:05") {
		t.Errorf("Unexpected connect time %q", got)
	}
}
