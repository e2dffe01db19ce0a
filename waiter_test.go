package asyncio

import "testing"

func TestWaiterCellArmThenResume(t *testing.T) {
	w := NewWaiterCell()
	ch := make(chan Outcome, 1)

	if cancelled := w.Arm(ch); cancelled {
		t.Fatal("expected Arm on a fresh cell to report not cancelled")
	}
	if w.IsCancelled() {
		t.Fatal("expected IsCancelled false after a plain Arm")
	}

	gotCh, wasCancelled, ok := w.TakeForResume()
	if !ok {
		t.Fatal("expected TakeForResume to succeed on an armed cell")
	}
	if wasCancelled {
		t.Error("expected wasCancelled false")
	}
	if gotCh != ch {
		t.Error("TakeForResume returned the wrong channel")
	}

	if _, _, ok := w.TakeForResume(); ok {
		t.Fatal("a second TakeForResume must fail: the cell is drained")
	}
}

func TestWaiterCellCancelBeforeArm(t *testing.T) {
	w := NewWaiterCell()
	w.Cancel()

	if !w.IsCancelled() {
		t.Fatal("expected IsCancelled true after Cancel")
	}

	ch := make(chan Outcome, 1)
	cancelled := w.Arm(ch)
	if !cancelled {
		t.Fatal("expected Arm to report already cancelled")
	}

	gotCh, wasCancelled, ok := w.TakeForResume()
	if !ok {
		t.Fatal("expected TakeForResume to succeed on an armed-cancelled cell")
	}
	if !wasCancelled {
		t.Error("expected wasCancelled true")
	}
	if gotCh != ch {
		t.Error("TakeForResume returned the wrong channel")
	}
}

func TestWaiterCellCancelAfterArm(t *testing.T) {
	w := NewWaiterCell()
	ch := make(chan Outcome, 1)
	w.Arm(ch)
	w.Cancel()

	_, wasCancelled, ok := w.TakeForResume()
	if !ok {
		t.Fatal("expected TakeForResume to succeed")
	}
	if !wasCancelled {
		t.Error("expected wasCancelled true after a post-arm Cancel")
	}
}

func TestWaiterCellCancelIsNoOpAfterDrain(t *testing.T) {
	w := NewWaiterCell()
	w.Arm(make(chan Outcome, 1))
	w.TakeForResume()

	// Cancel after drain must not panic or resurrect the cell.
	w.Cancel()
	if _, _, ok := w.TakeForResume(); ok {
		t.Fatal("expected TakeForResume to keep failing after a post-drain Cancel")
	}
}

func TestWaiterCellDoubleArmPanics(t *testing.T) {
	w := NewWaiterCell()
	w.Arm(make(chan Outcome, 1))

	defer func() {
		if recover() == nil {
			t.Fatal("expected a second Arm to panic")
		}
	}()
	w.Arm(make(chan Outcome, 1))
}

func TestWaiterCellTakeForResumeBeforeArmFails(t *testing.T) {
	w := NewWaiterCell()
	if _, _, ok := w.TakeForResume(); ok {
		t.Fatal("expected TakeForResume to fail before Arm has run")
	}
}
