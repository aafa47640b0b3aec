package config

import (
	"sync"
	"testing"
)

func TestRWMutexManagerGetSet(t *testing.T) {
	initial := Default()
	mgr := NewManager(initial)

	if got := mgr.Get(); got != initial {
		t.Fatal("expected Get to return the initial config")
	}

	next := Default()
	next.MaxParallel = 7
	mgr.Set(next)

	if got := mgr.Get(); got.MaxParallel != 7 {
		t.Errorf("MaxParallel after Set = %d, want 7", got.MaxParallel)
	}
}

func TestRWMutexManagerReload(t *testing.T) {
	path := writeTestConfig(t, `{"maxParallel": 4}`)
	mgr := NewManager(Default())

	if err := mgr.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := mgr.Get().MaxParallel; got != 4 {
		t.Errorf("MaxParallel = %d, want 4", got)
	}

	if err := mgr.Reload(""); err == nil {
		t.Error("expected error for empty reload path")
	}
}

func TestRWMutexManagerConcurrentAccess(t *testing.T) {
	mgr := NewManager(Default())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := Default()
				cfg.MaxParallel = j + 1
				mgr.Set(cfg)
				if got := mgr.Get(); got == nil {
					t.Error("Get returned nil during concurrent access")
					return
				}
			}
		}()
	}
	wg.Wait()
}
