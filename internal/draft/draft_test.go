package draft

import (
	"sync"
	"testing"
	"time"
)

func TestResetKeepsLanguage(t *testing.T) {
	d := New()
	d.Language = "en"
	d.BeginDetails("seed")
	d.Append("user", "hi")

	d.Reset("")
	if d.State != Idle || d.History != nil {
		t.Errorf("expected idle with no history, got %+v", d)
	}
	if d.Language != "en" {
		t.Errorf("expected language kept, got %q", d.Language)
	}

	d.Reset("pt")
	if d.Language != "pt" {
		t.Errorf("expected language pt, got %q", d.Language)
	}
}

func TestBeginEditingClearsHistory(t *testing.T) {
	d := New()
	d.BeginDetails("seed")
	d.BeginEditing(9)
	if d.State != Editing || d.TicketID != 9 || len(d.History) != 0 {
		t.Errorf("unexpected draft %+v", d)
	}
}

func TestLockerSerializesSameKey(t *testing.T) {
	l := NewLocker()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("conv")
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if l.Len() != 0 {
		t.Errorf("expected no retained keys, got %d", l.Len())
	}
}

func TestLockerIndependentKeys(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
