package event

import "testing"

func TestGamePoolResetReusesBackingArray(t *testing.T) {
	p := NewGamePool()
	e1 := p.Get()
	e1.Frame = 7
	p.Reset()
	e2 := p.Get()
	if e2.Frame != 0 {
		t.Fatalf("Get() after Reset returned stale data: %+v", e2)
	}
	if len(p.All()) != 1 {
		t.Fatalf("All() len = %d, want 1", len(p.All()))
	}
}

func TestGamePoolGrowsOnDemand(t *testing.T) {
	p := NewGamePool()
	for i := 0; i < 10; i++ {
		p.Get()
	}
	if len(p.All()) != 10 {
		t.Fatalf("All() len = %d, want 10", len(p.All()))
	}
	p.Reset()
	if len(p.All()) != 0 {
		t.Fatalf("All() len after Reset = %d, want 0", len(p.All()))
	}
	// Pool capacity should be reused, not reallocated, on the next round.
	for i := 0; i < 3; i++ {
		p.Get()
	}
	if len(p.All()) != 3 {
		t.Fatalf("All() len = %d, want 3", len(p.All()))
	}
}

func TestSessionPoolEmissionOrder(t *testing.T) {
	p := NewSessionPool()
	p.Get().Type = PlayerSyncing
	p.Get().Type = PlayerConnected
	all := p.All()
	if len(all) != 2 || all[0].Type != PlayerSyncing || all[1].Type != PlayerConnected {
		t.Fatalf("All() = %+v", all)
	}
}
