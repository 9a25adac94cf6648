package core_test

import (
	"ConfidentialPerp/internal/core"
	"testing"
	"time"
)

// ============================================================================
// View: reads and their sequence come from one state
// ============================================================================

func TestView_AsOfIsLastAppliedSequence(t *testing.T) {
	f := newFixture(t)

	f.engine.View(func(v *core.View) error {
		if v.AsOf() != -1 {
			t.Errorf("as of before any event = %d, want -1", v.AsOf())
		}
		return nil
	})

	f.deposit(alice, 100)
	outputs := f.drain()
	last := outputs[len(outputs)-1].Envelope.Sequence

	err := f.engine.View(func(v *core.View) error {
		bal, err := v.Balance(alice)
		if err != nil {
			return err
		}
		if f.plain(bal) != 100 {
			t.Errorf("balance = %d, want 100", f.plain(bal))
		}
		if v.AsOf() != last {
			t.Errorf("as of = %d, want %d", v.AsOf(), last)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestView_WritersWaitForReadToFinish(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 100)
	ct := f.seal(alice, 50)

	done := make(chan error, 1)
	f.engine.View(func(v *core.View) error {
		before := v.AsOf()
		go func() { done <- f.engine.Deposit(ctx, alice, ct) }()

		time.Sleep(20 * time.Millisecond)
		select {
		case <-done:
			t.Fatal("deposit applied while a view was open")
		default:
		}

		bal, _ := v.Balance(alice)
		if f.plain(bal) != 100 || v.AsOf() != before {
			t.Errorf("view moved: balance %d as of %d, started at %d", f.plain(bal), v.AsOf(), before)
		}
		return nil
	})

	if err := <-done; err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if f.balance(alice) != 150 {
		t.Errorf("balance after view = %d, want 150", f.balance(alice))
	}
}

func TestView_ErrorsPassThrough(t *testing.T) {
	f := newFixture(t)

	err := f.engine.View(func(v *core.View) error {
		_, err := v.Balance(bob)
		return err
	})
	expectErr(t, err, core.ErrInvalidState)
}
