package fibz

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestStopWorldAndRestart(t *testing.T) {
	// Make sure a runtime exists and has done real work.
	tid, err := StartBackground(nil, AttrNormal, func(fc *FiberCtx, _ any) any {
		return Sleep(fc, time.Millisecond)
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground failed: %v", err)
	}
	if _, err := Join(nil, tid); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	StopWorld()

	// A stopped world restarts lazily on the next use.
	var ran atomic.Bool
	tid, err = StartBackground(nil, AttrNormal, func(_ *FiberCtx, _ any) any {
		ran.Store(true)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("StartBackground after StopWorld failed: %v", err)
	}
	if _, err := Join(nil, tid); err != nil {
		t.Fatalf("Join after StopWorld failed: %v", err)
	}
	if !ran.Load() {
		t.Error("fiber did not run on the restarted runtime")
	}
}

func TestStopWorldIdempotentWhenStopped(t *testing.T) {
	StopWorld()
	StopWorld()
}
