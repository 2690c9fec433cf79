package clock

import (
	"context"
	"sync"
	"time"
)

// Fake is a manually stepped Clock. Advance moves the fake time forward and
// releases any sleeper or ticker whose deadline has passed. BlockUntil lets a
// test wait for goroutines to reach their sleep before advancing, which keeps
// timer-driven tests free of real-time races.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	napping []*nap
	tickers []*fakeTicker
}

type nap struct {
	deadline time.Time
	done     chan struct{}
}

// NewFake returns a Fake clock starting at a fixed, arbitrary instant.
func NewFake() *Fake {
	f := &Fake{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	f.mu.Lock()
	n := &nap{deadline: f.now.Add(d), done: make(chan struct{})}
	f.napping = append(f.napping, n)
	f.cond.Broadcast()
	f.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		f.remove(n)
		return ctx.Err()
	}
}

func (f *Fake) remove(n *nap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cand := range f.napping {
		if cand == n {
			f.napping = append(f.napping[:i], f.napping[i+1:]...)
			return
		}
	}
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		clock:  f,
		period: d,
		next:   f.now.Add(d),
		ch:     make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)
	f.cond.Broadcast()
	return t
}

// Advance moves the fake time forward by d, waking sleepers and firing
// tickers whose deadlines fall within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)

	remaining := f.napping[:0]
	for _, n := range f.napping {
		if !n.deadline.After(f.now) {
			close(n.done)
		} else {
			remaining = append(remaining, n)
		}
	}
	f.napping = remaining

	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(f.now) {
			select {
			case t.ch <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

// BlockUntil waits until at least n goroutines are blocked in Sleep or
// waiting on a ticker created by this clock.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.napping)+f.activeTickers() < n {
		f.cond.Wait()
	}
}

// BlockUntilSleepers waits until at least n goroutines are blocked in Sleep,
// ignoring tickers.
func (f *Fake) BlockUntilSleepers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.napping) < n {
		f.cond.Wait()
	}
}

// ActiveTickers returns the number of tickers that have not been stopped.
func (f *Fake) ActiveTickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeTickers()
}

func (f *Fake) activeTickers() int {
	count := 0
	for _, t := range f.tickers {
		if !t.stopped {
			count++
		}
	}
	return count
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
