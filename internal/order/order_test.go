package order

import (
	"math"
	"testing"
	"time"
)

func TestTransition_LegalPath(t *testing.T) {
	o := New("AAPL", SideBuy, TypeMarket, 10)
	for _, next := range []Status{StatusSubmitted, StatusAccepted, StatusPartiallyFilled, StatusFilled} {
		if err := o.Transition(next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if !o.IsComplete() || !o.IsFilled() {
		t.Fatalf("want complete+filled, got %s", o.Status)
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	for _, terminal := range []Status{StatusFilled, StatusCanceled, StatusRejected, StatusExpired} {
		o := New("AAPL", SideBuy, TypeMarket, 10)
		o.Status = terminal
		if err := o.Transition(StatusSubmitted); err == nil {
			t.Fatalf("want error leaving terminal %s", terminal)
		}
		if o.Status != terminal {
			t.Fatalf("terminal status mutated: %s", o.Status)
		}
	}
}

func TestTransition_IllegalSkip(t *testing.T) {
	o := New("AAPL", SideBuy, TypeMarket, 10)
	// pending cannot jump straight to filled
	if err := o.Transition(StatusFilled); err == nil {
		t.Fatal("want error for pending -> filled")
	}
	// same-status transition is a no-op
	if err := o.Transition(StatusPending); err != nil {
		t.Fatalf("self transition: %v", err)
	}
}

func TestApplyFill_WeightedAverage(t *testing.T) {
	o := New("MSFT", SideBuy, TypeMarket, 10)
	if err := o.Transition(StatusSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}

	now := time.Now().UTC()
	if err := o.ApplyFill(4, 100, now); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status != StatusPartiallyFilled {
		t.Fatalf("want partially_filled, got %s", o.Status)
	}
	if err := o.ApplyFill(6, 110, now); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if o.Status != StatusFilled {
		t.Fatalf("want filled, got %s", o.Status)
	}
	want := (4*100.0 + 6*110.0) / 10
	if math.Abs(o.FilledPrice-want) > 1e-9 {
		t.Fatalf("want avg price %.2f, got %.4f", want, o.FilledPrice)
	}
	if o.RemainingQty() != 0 {
		t.Fatalf("want 0 remaining, got %d", o.RemainingQty())
	}
}

func TestApplyFill_Overfill(t *testing.T) {
	o := New("NVDA", SideSell, TypeMarket, 5)
	if err := o.Transition(StatusSubmitted); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.ApplyFill(6, 500, time.Now().UTC()); err == nil {
		t.Fatal("want error for overfill")
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatal("opposite sides wrong")
	}
}

func TestNew_Defaults(t *testing.T) {
	o := New("AAPL", SideBuy, TypeMarket, 10)
	if o.Status != StatusPending {
		t.Fatalf("want pending, got %s", o.Status)
	}
	if o.ClientOrderID == "" {
		t.Fatal("want client order id")
	}
	if o.TimeInForce != "day" {
		t.Fatalf("want day tif, got %s", o.TimeInForce)
	}
}
