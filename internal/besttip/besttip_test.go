package besttip

import "testing"

func TestWatchDerivesNonFinalizedOverFinalized(t *testing.T) {
	tests := []struct {
		name        string
		finalized   Height
		nonFinal    Height
		haveNonFin  bool
		want        Height
	}{
		{name: "only finalized known", finalized: 100, haveNonFin: false, want: 100},
		{name: "non-finalized present wins", finalized: 100, nonFinal: 150, haveNonFin: true, want: 150},
		{name: "non-finalized present but behind still wins", finalized: 200, nonFinal: 150, haveNonFin: true, want: 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New()
			w.SetFinalized(tt.finalized)
			if tt.haveNonFin {
				w.SetNonFinalized(tt.nonFinal, true)
			}
			if got := w.Current(); got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestWatchPublishesOnlyOnChange(t *testing.T) {
	w := New()
	w.SetFinalized(100)

	// Drain the first signal.
	<-w.Updates()

	// Re-setting the same value must not produce a second signal.
	w.SetFinalized(100)
	select {
	case <-w.Updates():
		t.Fatalf("expected no update for an unchanged value")
	default:
	}

	w.SetFinalized(101)
	select {
	case <-w.Updates():
	default:
		t.Fatalf("expected an update when the derived value changes")
	}
}

func TestWatchCoalescesRapidUpdates(t *testing.T) {
	w := New()
	w.SetFinalized(1)
	w.SetFinalized(2)
	w.SetFinalized(3)

	// Only one signal should be pending no matter how many updates
	// happened before it was drained (spec §5: readers may skip values).
	select {
	case <-w.Updates():
	default:
		t.Fatalf("expected a pending update")
	}
	select {
	case <-w.Updates():
		t.Fatalf("expected the coalesced signal to be consumed exactly once")
	default:
	}

	if got := w.Current(); got != 3 {
		t.Fatalf("expected Current to reflect the latest value 3, got %v", got)
	}
}

func TestWatchClearingNonFinalizedFallsBackToFinalized(t *testing.T) {
	w := New()
	w.SetFinalized(100)
	w.SetNonFinalized(150, true)
	if got := w.Current(); got != 150 {
		t.Fatalf("got %v want 150", got)
	}

	w.SetNonFinalized(0, false)
	if got := w.Current(); got != 100 {
		t.Fatalf("got %v want 100 after non-finalized cleared", got)
	}
}

func TestWatchResetsIsCoalescedAndNonBlocking(t *testing.T) {
	w := New()
	w.ReportReset()
	w.ReportReset() // must not block even though nothing drained yet

	select {
	case <-w.Resets():
	default:
		t.Fatalf("expected a pending reset signal")
	}
}
