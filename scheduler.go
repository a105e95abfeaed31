package chatsync

import "time"

// Scheduler runs a function after a delay. Production code uses the wall
// clock; tests substitute a manual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

// Timer is a pending scheduled call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call was
	// still pending.
	Stop() bool
}

type wallClock struct{}

// WallClock is the Scheduler backed by package time.
var WallClock Scheduler = wallClock{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (wallClock) Now() time.Time { return time.Now() }
