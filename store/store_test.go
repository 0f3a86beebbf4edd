package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"strzcam.com/videorelay/frame"
)

func TestEmptyStoreReadsNil(t *testing.T) {
	s := New()
	f, seq := s.Read()
	if f != nil {
		t.Error("Expected nil frame from a fresh store")
	}
	if seq != 0 {
		t.Errorf("Expected sequence 0, got %d", seq)
	}
	if s.Connected() {
		t.Error("Fresh store should not report connected")
	}
}

func TestWriteThenRead(t *testing.T) {
	s := New()
	s.Write(frame.New([]byte("frame data"), 1))
	f, seq := s.Read()
	if f == nil || string(f.Data) != "frame data" {
		t.Errorf("Expected written frame back, got %v", f)
	}
	if seq != 1 {
		t.Errorf("Expected sequence 1, got %d", seq)
	}
}

func TestSequenceMonotonicAcrossWriters(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	stopReader := make(chan struct{})
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		var last uint64
		for {
			select {
			case <-stopReader:
				return
			default:
			}
			_, seq := s.Read()
			if seq < last {
				t.Errorf("Sequence went backwards: %d after %d", seq, last)
				return
			}
			last = seq
		}
	}()

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(owner uint64) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Write(frame.New([]byte("x"), owner))
			}
		}(uint64(w))
	}
	wg.Wait()
	close(stopReader)
	<-readerDone

	_, seq := s.Read()
	if seq != 400 {
		t.Errorf("Expected 400 writes to yield sequence 400, got %d", seq)
	}
}

func TestClearByOwner(t *testing.T) {
	s := New()
	s.Write(frame.New([]byte("x"), 7))
	if !s.Clear(7) {
		t.Error("Owner should be able to clear its own frame")
	}
	if s.Connected() {
		t.Error("Store should be empty after clear")
	}
	_, seq := s.Read()
	if seq != 2 {
		t.Errorf("Clear should bump sequence, got %d", seq)
	}
}

func TestClearByOtherOwnerIsIgnored(t *testing.T) {
	s := New()
	s.Write(frame.New([]byte("newer producer"), 2))
	if s.Clear(1) {
		t.Error("A stale producer must not clear a newer producer's frame")
	}
	f, _ := s.Read()
	if f == nil || string(f.Data) != "newer producer" {
		t.Error("Frame should survive a non-owner clear")
	}
}

func TestClearOnEmptyStore(t *testing.T) {
	s := New()
	if s.Clear(1) {
		t.Error("Clearing an empty store should report false")
	}
	_, seq := s.Read()
	if seq != 0 {
		t.Errorf("Clearing an empty store should not bump sequence, got %d", seq)
	}
}

func TestWaitChangeWakesOnWrite(t *testing.T) {
	s := New()
	got := make(chan uint64, 1)
	go func() {
		_, seq := s.WaitChange(context.Background(), 0)
		got <- seq
	}()
	time.Sleep(10 * time.Millisecond)
	s.Write(frame.New([]byte("x"), 1))
	select {
	case seq := <-got:
		if seq != 1 {
			t.Errorf("Expected sequence 1 after write, got %d", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for WaitChange to wake")
	}
}

func TestWaitChangeWakesOnClear(t *testing.T) {
	s := New()
	s.Write(frame.New([]byte("x"), 1))
	got := make(chan struct{})
	go func() {
		f, seq := s.WaitChange(context.Background(), 1)
		if f != nil {
			t.Error("Expected nil frame after clear")
		}
		if seq != 2 {
			t.Errorf("Expected sequence 2 after clear, got %d", seq)
		}
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Clear(1)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for WaitChange to wake on clear")
	}
}

func TestWaitChangeCancellationIsNeverLost(t *testing.T) {
	// Cancellation racing WaitChange entry must always wake the waiter;
	// a broadcast outside the lock can land between the ctx check and the
	// wait registration and strand it until an unrelated write.
	s := New()
	for i := 0; i < 5000; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.WaitChange(ctx, 0)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("WaitChange missed the cancellation wakeup (iteration %d)", i)
		}
	}
}

func TestWaitChangeHonorsContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan struct{})
	go func() {
		s.WaitChange(ctx, 0)
		close(got)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for WaitChange to honor cancellation")
	}
}
