package packnet

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sys/cpu"
)

const (
	writeUnlocked int32 = 0
	writeLocked   int32 = 1

	readUnlocked int32 = 0
	readLocked   int32 = -200000

	// activeSpins is the number of busy iterations before yielding the processor.
	activeSpins = 64
)

// SpinRWLock is an asynchronous-read / synchronous-write lock built on
// compare-and-swap counters. It never parks the goroutine in the scheduler
// queue of a mutex; contended callers spin and then yield.
//
// Readers (AsyncLock) are optimistic: many may hold the lock at once and they
// retry while a writer is pending. A writer (SyncLock) announces itself first,
// which blocks new readers, then waits for active readers to leave.
//
// The lock is not reentrant. A goroutine that calls AsyncLock or SyncLock while
// already holding the lock spins forever. A SpinRWLock must not be copied
// after first use.
type SpinRWLock struct {
	_           noCopy
	writeStatus atomic.Int32 // writeLocked while a writer is inside.
	_           cpu.CacheLinePad
	writeCount  atomic.Int32 // writers holding or waiting for the lock.
	_           cpu.CacheLinePad
	readCount   atomic.Int32 // active readers, or readLocked.
	_           cpu.CacheLinePad
}

// AsyncLock acquires the lock in shared mode.
func (l *SpinRWLock) AsyncLock() {
	var s spinner
	for !l.tryAsyncLock() {
		s.pause()
	}
}

// AsyncUnlock releases a shared hold.
func (l *SpinRWLock) AsyncUnlock() {
	l.readCount.Dec()
}

// SyncLock acquires the lock in exclusive mode.
func (l *SpinRWLock) SyncLock() {
	l.writeCount.Inc()

	var s spinner
	for !l.readCount.CompareAndSwap(readUnlocked, readLocked) {
		s.pause()
	}
	for !l.writeStatus.CompareAndSwap(writeUnlocked, writeLocked) {
		s.pause()
	}
}

// SyncUnlock releases an exclusive hold.
func (l *SpinRWLock) SyncUnlock() {
	l.writeStatus.Store(writeUnlocked)
	l.readCount.Store(readUnlocked)
	l.writeCount.Dec()
}

// Lock is SyncLock, so the lock satisfies sync.Locker.
func (l *SpinRWLock) Lock() { l.SyncLock() }

// Unlock is SyncUnlock.
func (l *SpinRWLock) Unlock() { l.SyncUnlock() }

// RLocker returns a sync.Locker backed by the asynchronous mode.
func (l *SpinRWLock) RLocker() sync.Locker {
	return (*asyncLocker)(l)
}

func (l *SpinRWLock) String() string {
	return fmt.Sprintf("SpinRWLock{readCount=%d, writeCount=%d, writeStatus=%d}",
		l.readCount.Load(), l.writeCount.Load(), l.writeStatus.Load())
}

func (l *SpinRWLock) tryAsyncLock() bool {
	if l.writeCount.Load() != 0 {
		return false
	}
	v := l.readCount.Load()

	return v != readLocked && l.readCount.CompareAndSwap(v, v+1)
}

type asyncLocker SpinRWLock

func (r *asyncLocker) Lock()   { (*SpinRWLock)(r).AsyncLock() }
func (r *asyncLocker) Unlock() { (*SpinRWLock)(r).AsyncUnlock() }

// spinner is the busy-wait policy of one acquisition attempt.
type spinner struct {
	spins int
	sink  int
}

func (s *spinner) pause() {
	s.spins++
	if s.spins < activeSpins {
		s.sink = consumeCPU(s.sink + s.spins)
		return
	}
	runtime.Gosched()
}

// consumeCPU burns a few cycles on arithmetic the compiler cannot drop.
//
//go:noinline
func consumeCPU(v int) int {
	n := v * v
	n += v >> 1
	n += v & n
	n += v >> 1
	n += v & n
	n += v >> 1
	n += v & n

	return n
}

// noCopy lets go vet's copylocks check flag copies of the embedding struct.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
