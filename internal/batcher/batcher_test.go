package batcher

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlushesOnMaxLines(t *testing.T) {
	var calls int32
	var gotLines [][]string
	var mu sync.Mutex

	b := New(Config{
		MaxLines:        3,
		FlushDelay:      time.Hour, // must not fire before MaxLines does
		MinSendInterval: 0,
		Send: func(lines []string) error {
			atomic.AddInt32(&calls, 1)
			mu.Lock()
			gotLines = append(gotLines, lines)
			mu.Unlock()
			return nil
		},
	})
	defer b.Destroy()

	b.Push("a")
	b.Push("b")
	b.Push("c")

	waitForCalls(t, &calls, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(gotLines) != 1 || len(gotLines[0]) != 3 {
		t.Fatalf("expected one flush of 3 lines, got %v", gotLines)
	}
}

func TestFlushesOnDelayWithFewerThanMaxLines(t *testing.T) {
	var calls int32

	b := New(Config{
		MaxLines:        10,
		FlushDelay:      20 * time.Millisecond,
		MinSendInterval: 0,
		Send: func(lines []string) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})
	defer b.Destroy()

	b.Push("only one line")

	waitForCalls(t, &calls, 1)
}

func TestMinSendIntervalDelaysSecondFlush(t *testing.T) {
	var sendTimes []time.Time
	var mu sync.Mutex

	b := New(Config{
		MaxLines:        1,
		FlushDelay:      time.Hour,
		MinSendInterval: 100 * time.Millisecond,
		Send: func(lines []string) error {
			mu.Lock()
			sendTimes = append(sendTimes, time.Now())
			mu.Unlock()
			return nil
		},
	})
	defer b.Destroy()

	b.Push("first")
	b.Push("second")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(sendTimes)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for both sends, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	gap := sendTimes[1].Sub(sendTimes[0])
	if gap < 90*time.Millisecond {
		t.Fatalf("expected at least ~100ms between sends, got %s", gap)
	}
}

func TestSendErrorIsSwallowed(t *testing.T) {
	var calls int32

	b := New(Config{
		MaxLines:        1,
		MinSendInterval: 0,
		Send: func(lines []string) error {
			atomic.AddInt32(&calls, 1)
			return errBoom
		},
	})
	defer b.Destroy()

	b.Push("line one")
	waitForCalls(t, &calls, 1)

	// A second push must still be delivered — a failed send must not wedge
	// the batcher.
	b.Push("line two")
	waitForCalls(t, &calls, 2)
}

func TestDestroyPreventsFurtherFlushes(t *testing.T) {
	var calls int32

	b := New(Config{
		MaxLines:   10,
		FlushDelay: 10 * time.Millisecond,
		Send: func(lines []string) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	b.Push("buffered but never flushed")
	b.Destroy()

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected no sends after Destroy, got %d", got)
	}

	// Push after Destroy must also be a no-op, not a panic.
	b.Push("ignored")
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("expected push after Destroy to stay a no-op, got %d calls", got)
	}
}

func waitForCalls(t *testing.T, counter *int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if atomic.LoadInt32(counter) >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d calls, got %d", want, atomic.LoadInt32(counter))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
