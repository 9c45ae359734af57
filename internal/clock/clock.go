// Package clock provides a clock dependency that constructors can take
// instead of calling time.Now()/time.After() directly, after spec §9's re-architecture
// note ("Global mutable clock and poller (singletons in source): thread a
// context object carrying clock, poller, throttles through constructors;
// tests inject fakes").
package clock

import "time"

// Clock is a seam a time-dependent component can take instead of calling
// the time package directly. No package in this module takes it: throttle
// and the tracker workers call time.Now, and Swarm and trackerlist receive
// the current time as an argument.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of *time.Timer callers need, so a fake clock
// can hand back a fake timer it controls.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time    { return r.t.C }
func (r realTimer) Stop() bool             { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
