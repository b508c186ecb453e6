package serialization

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// recorder collects callback invocations in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	fail   map[uint32]bool // ids whose activation fails
}

func (r *recorder) cb(cmd Command, reason Reason) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := fmt.Sprintf("%d:%s", cmd.ID, reason)
	if reason == ReasonActivate {
		if cmd.Activation == ActivationDirect {
			ev += "/direct"
		} else {
			ev += "/pending"
		}
	}
	r.events = append(r.events, ev)
	if reason == ReasonActivate && r.fail[cmd.ID] {
		return errors.New("activation refused")
	}
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func cmd(id uint32, r *recorder) Command {
	return Command{ID: id, Type: CmdConnect, Vdev: 0, Callback: r.cb}
}

func assertEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestSubmit_FirstIsActiveRestPending(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	r := &recorder{}

	st, err := s.Submit(cmd(1, r))
	if err != nil || st != StatusActive {
		t.Fatalf("Submit(1) = %v, %v; want active", st, err)
	}
	st, err = s.Submit(cmd(2, r))
	if err != nil || st != StatusPending {
		t.Fatalf("Submit(2) = %v, %v; want pending", st, err)
	}
	assertEvents(t, r.snapshot(), []string{"1:activate/direct"})

	if got := s.Remove(0, 1, CmdConnect); got != InActiveList {
		t.Fatalf("Remove(1) = %v, want InActiveList", got)
	}
	assertEvents(t, r.snapshot(), []string{
		"1:activate/direct",
		"1:release_memory",
		"2:activate/pending",
	})
	if !s.IsActive(0, 2, CmdConnect) {
		t.Error("command 2 should be active")
	}
}

func TestSubmit_Duplicate(t *testing.T) {
	s := New(nil)
	r := &recorder{}
	if _, err := s.Submit(cmd(1, r)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	_, err := s.Submit(cmd(1, r))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Submit() duplicate error = %v, want ErrDuplicate", err)
	}

	// Same id with another type is a distinct command.
	c := cmd(1, r)
	c.Type = CmdPreauth
	if st, err := s.Submit(c); err != nil || st != StatusPending {
		t.Fatalf("Submit(preauth) = %v, %v", st, err)
	}
}

func TestSubmit_NilCallback(t *testing.T) {
	s := New(nil)
	_, err := s.Submit(Command{ID: 1, Type: CmdConnect})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("error = %v, want ErrInvalidCommand", err)
	}
}

func TestHighPriorityJumpsAhead(t *testing.T) {
	s := New(nil)
	r := &recorder{}
	_, _ = s.Submit(cmd(1, r))
	_, _ = s.Submit(cmd(2, r))
	_, _ = s.Submit(cmd(3, r))
	hp := cmd(4, r)
	hp.HighPriority = true
	_, _ = s.Submit(hp)
	hp2 := cmd(5, r)
	hp2.HighPriority = true
	_, _ = s.Submit(hp2)

	var order []uint32
	for i := 0; i < 5; i++ {
		st := s.Stats()[0]
		order = append(order, *st.ActiveID)
		s.Remove(0, *st.ActiveID, CmdConnect)
	}
	want := []uint32{1, 4, 5, 2, 3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("activation order = %v, want %v", order, want)
		}
	}
}

func TestRemovePending_CancelThenRelease(t *testing.T) {
	s := New(nil)
	r := &recorder{}
	_, _ = s.Submit(cmd(1, r))
	_, _ = s.Submit(cmd(2, r))

	if got := s.Remove(0, 2, CmdConnect); got != InPendingList {
		t.Fatalf("Remove(2) = %v, want InPendingList", got)
	}
	assertEvents(t, r.snapshot(), []string{
		"1:activate/direct",
		"2:cancel",
		"2:release_memory",
	})
	if got := s.Remove(0, 2, CmdConnect); got != NotFound {
		t.Errorf("second Remove(2) = %v, want NotFound", got)
	}
}

func TestCancelPending_IgnoresActive(t *testing.T) {
	s := New(nil)
	r := &recorder{}
	_, _ = s.Submit(cmd(1, r))
	if s.CancelPending(0, 1, CmdConnect) {
		t.Error("CancelPending should not touch the active command")
	}
	_, _ = s.Submit(cmd(2, r))
	if !s.CancelPending(0, 2, CmdConnect) {
		t.Error("CancelPending(2) = false, want true")
	}
}

func TestActivationFailurePromotesNext(t *testing.T) {
	s := New(nil)
	r := &recorder{fail: map[uint32]bool{2: true}}
	_, _ = s.Submit(cmd(1, r))
	_, _ = s.Submit(cmd(2, r))
	_, _ = s.Submit(cmd(3, r))

	s.Remove(0, 1, CmdConnect)
	assertEvents(t, r.snapshot(), []string{
		"1:activate/direct",
		"1:release_memory",
		"2:activate/pending",
		"2:release_memory",
		"3:activate/pending",
	})
}

func TestActiveTimeout(t *testing.T) {
	s := New(nil)
	done := make(chan struct{})
	var mu sync.Mutex
	var got []Reason
	cb := func(c Command, reason Reason) error {
		mu.Lock()
		got = append(got, reason)
		mu.Unlock()
		if reason == ReasonReleaseMemory {
			close(done)
		}
		return nil
	}
	_, err := s.Submit(Command{ID: 7, Type: CmdDisconnect, Timeout: 10 * time.Millisecond, Callback: cb})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Reason{ReasonActivate, ReasonActiveTimeout, ReasonReleaseMemory}
	if len(got) != len(want) {
		t.Fatalf("reasons = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reasons = %v, want %v", got, want)
		}
	}
	st, _ := s.VdevStats(0)
	if st.Timeouts != 1 || st.ActiveID != nil {
		t.Errorf("stats = %+v, want one timeout and no active command", st)
	}
}

func TestRemoveBeforeTimeoutStopsTimer(t *testing.T) {
	s := New(nil)
	var mu sync.Mutex
	timeouts := 0
	cb := func(c Command, reason Reason) error {
		if reason == ReasonActiveTimeout {
			mu.Lock()
			timeouts++
			mu.Unlock()
		}
		return nil
	}
	_, _ = s.Submit(Command{ID: 1, Type: CmdConnect, Timeout: 20 * time.Millisecond, Callback: cb})
	s.Remove(0, 1, CmdConnect)
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if timeouts != 0 {
		t.Errorf("timeout fired %d times after Remove", timeouts)
	}
}

func TestFlushVdev(t *testing.T) {
	s := New(nil)
	r := &recorder{}
	_, _ = s.Submit(cmd(1, r))
	_, _ = s.Submit(cmd(2, r))
	s.FlushVdev(0)

	assertEvents(t, r.snapshot(), []string{
		"1:activate/direct",
		"2:cancel",
		"2:release_memory",
		"1:release_memory",
	})
	if _, err := s.VdevStats(0); !errors.Is(err, ErrUnknownVdev) {
		t.Errorf("VdevStats after flush error = %v, want ErrUnknownVdev", err)
	}
}

func TestVdevsAreIndependent(t *testing.T) {
	s := New(nil)
	r := &recorder{}
	a := cmd(1, r)
	b := cmd(2, r)
	b.Vdev = 1
	if st, _ := s.Submit(a); st != StatusActive {
		t.Fatalf("vdev 0 submit = %v", st)
	}
	if st, _ := s.Submit(b); st != StatusActive {
		t.Fatalf("vdev 1 submit = %v, want active", st)
	}
	if n := len(s.Stats()); n != 2 {
		t.Errorf("Stats() returned %d queues, want 2", n)
	}
}
