package loadtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It provides:
// - VU pool management (spawning and retiring VUs)
// - LIFO retirement when the target drops
// - Completion tracking for draining
//
// The scheduler is driven by executors to control VU counts.
type VUScheduler struct {
	fn      IterationFunc
	emitter Emitter
	opts    VUOptions
	logger  logrus.FieldLogger

	// Active VUs in spawn order; retired VUs leave this slice immediately
	// but keep running until their iteration ends.
	active []*VirtualUser
	mu     sync.Mutex

	nextVUID atomic.Int32
	running  atomic.Int32
	wg       sync.WaitGroup

	// onExit is called after a VU goroutine returns (optional)
	onExit func(*VirtualUser)
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(fn IterationFunc, emitter Emitter, opts VUOptions, logger logrus.FieldLogger) *VUScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VUScheduler{
		fn:      fn,
		emitter: emitter,
		opts:    opts,
		logger:  logger.WithField("component", "vus"),
	}
}

// OnExit registers a callback invoked when a VU goroutine finishes.
// It must be set before the first VU is spawned.
func (s *VUScheduler) OnExit(fn func(*VirtualUser)) {
	s.onExit = fn
}

// SpawnVU creates a VU and starts it immediately on its own goroutine.
func (s *VUScheduler) SpawnVU(ctx context.Context) *VirtualUser {
	id := int(s.nextVUID.Add(1))
	vu := NewVirtualUser(id, s.fn, s.emitter, s.opts, s.logger)

	s.mu.Lock()
	s.active = append(s.active, vu)
	s.mu.Unlock()

	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)

		vu.Run(ctx)

		s.mu.Lock()
		s.removeLocked(vu)
		s.mu.Unlock()

		if s.onExit != nil {
			s.onExit(vu)
		}
	}()

	return vu
}

// ScaleVUs adjusts the number of active VUs to target. New VUs start at
// once; surplus VUs, newest first, are asked to stop after their current
// iteration. It returns how many were spawned and retired.
func (s *VUScheduler) ScaleVUs(ctx context.Context, target int) (spawned, retired int) {
	if target < 0 {
		target = 0
	}

	current := s.GetActiveVUCount()

	switch {
	case target > current:
		for i := current; i < target; i++ {
			s.SpawnVU(ctx)
			spawned++
		}
	case target < current:
		s.mu.Lock()
		for len(s.active) > target {
			vu := s.active[len(s.active)-1]
			s.active = s.active[:len(s.active)-1]
			vu.RequestStop()
			retired++
		}
		s.mu.Unlock()
	}

	if spawned > 0 || retired > 0 {
		s.logger.WithFields(logrus.Fields{
			"target":  target,
			"spawned": spawned,
			"retired": retired,
		}).Debug("Scaled VUs")
	}
	return spawned, retired
}

// StopAllVUs asks every active VU to stop after its current iteration.
func (s *VUScheduler) StopAllVUs() {
	s.mu.Lock()
	vus := s.active
	s.active = nil
	s.mu.Unlock()

	for i := len(vus) - 1; i >= 0; i-- {
		vus[i].RequestStop()
	}
}

// GetActiveVUCount returns the number of VUs not asked to stop.
func (s *VUScheduler) GetActiveVUCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// GetRunningVUCount returns the number of VU goroutines still alive,
// including retiring ones finishing their iteration.
func (s *VUScheduler) GetRunningVUCount() int {
	return int(s.running.Load())
}

// Wait blocks until every spawned VU has stopped.
func (s *VUScheduler) Wait() {
	s.wg.Wait()
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns true if they all stopped in time.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *VUScheduler) removeLocked(vu *VirtualUser) {
	for i, v := range s.active {
		if v == vu {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}
