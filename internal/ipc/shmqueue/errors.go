package shmqueue

import "errors"

var (
	// ErrFull is returned by TryPush when there is not enough room.
	ErrFull = errors.New("shmqueue: ring full")
	// ErrEmpty is returned by TryPop when no complete frame is available.
	ErrEmpty = errors.New("shmqueue: ring empty")
	// ErrTimeout is returned by Push/Pop when the deadline elapses first.
	ErrTimeout = errors.New("shmqueue: deadline exceeded")
)
