package xspress3

import (
	"context"
	"sync"
	"time"
)

// sessionState is where the acquisition loop is within a session
type sessionState int

const (
	waitingToStart sessionState = iota
	running
	paused
	draining
)

// session is the configuration a session runs with, fixed at start
type session struct {
	mode     TrigMode
	exposure time.Duration
	frames   int
	started  time.Time
}

// Summary describes a finished acquisition session
type Summary struct {
	Started   time.Time
	Finished  time.Time
	Mode      TrigMode
	Exposure  time.Duration
	Requested int
	Acquired  int
	Drained   int

	// Stopped is true if StopAcq ended the session early
	Stopped bool

	// Err is the device or readout error that ended the session, if any
	Err error
}

// pipeline is the state shared by the acquisition loop, the readout loop
// and the control methods of Camera.  Every field is guarded by mu.
type pipeline struct {
	mu sync.Mutex

	// acqCond wakes the acquisition loop, readCond the readout loop,
	// idleCond callers of wait
	acqCond  *sync.Cond
	readCond *sync.Cond
	idleCond *sync.Cond

	state sessionState
	sess  session

	acquired int
	drained  int

	// copying is true while the readout loop holds a frame outside the lock
	copying bool

	// drainHalted is set when a consumer or a readout failure stops the
	// readout loop for the rest of the session
	drainHalted bool

	startPending bool

	// open is true from requestStart until the session has been reported
	open bool

	// reporting is true while the session hook runs without the lock
	reporting bool

	// configuring counts settings being loaded into the device
	configuring int

	stopRequested  bool
	abortRequested bool
	quitRequested  bool

	err  error
	last Summary
}

func newPipeline() *pipeline {
	p := &pipeline{}
	p.acqCond = sync.NewCond(&p.mu)
	p.readCond = sync.NewCond(&p.mu)
	p.idleCond = sync.NewCond(&p.mu)
	return p
}

// drainerActive reports whether the readout loop has work in hand.  mu must be held.
func (p *pipeline) drainerActive() bool {
	return p.copying || (!p.drainHalted && p.drained < p.acquired)
}

// status derives the pipeline status.  mu must be held.
func (p *pipeline) status() Status {
	if p.state == paused {
		return Paused
	}
	if p.state == waitingToStart && !p.startPending && !p.drainerActive() {
		return Idle
	}
	return Running
}

// busy reports whether a new session must be refused.  mu must be held.
func (p *pipeline) busy() bool {
	return p.open || p.reporting || p.configuring > 0 || p.status() != Idle
}

// requestStart begins a session.  reset runs under the lock once the
// pipeline is known to be idle.
func (p *pipeline) requestStart(s session, reset func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quitRequested {
		return ErrClosed
	}
	if p.busy() {
		return ErrBusy
	}
	if reset != nil {
		reset()
	}
	p.acquired = 0
	p.drained = 0
	p.abortRequested = false
	p.stopRequested = false
	p.drainHalted = false
	p.err = nil
	p.sess = s
	p.startPending = true
	p.open = true
	p.acqCond.Broadcast()
	return nil
}

// requestStop asks the running session to end at its next check point
func (p *pipeline) requestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopRequested = true
	p.abortRequested = true
	p.acqCond.Broadcast()
}

// requestShutdown tells both loops to exit
func (p *pipeline) requestShutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quitRequested = true
	p.acqCond.Broadcast()
	p.readCond.Broadcast()
	p.idleCond.Broadcast()
}

// finished closes the session if the pipeline has gone idle, returning its
// summary once.  mu must be held.
func (p *pipeline) finished() (Summary, bool) {
	if !p.open || p.status() != Idle {
		return Summary{}, false
	}
	p.open = false
	p.last = Summary{
		Started:   p.sess.started,
		Finished:  time.Now(),
		Mode:      p.sess.mode,
		Exposure:  p.sess.exposure,
		Requested: p.sess.frames,
		Acquired:  p.acquired,
		Drained:   p.drained,
		Stopped:   p.stopRequested,
		Err:       p.err,
	}
	p.idleCond.Broadcast()
	return p.last, true
}

// wait blocks until the open session has been reported and its hook has
// returned, the pipeline is shut down, or ctx is done.  The session hook must
// not call it.
func (p *pipeline) wait(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.idleCond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()
	for (p.open || p.reporting) && !p.quitRequested && ctx.Err() == nil {
		p.idleCond.Wait()
	}
	if p.open || p.reporting {
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}
		return Summary{}, ErrClosed
	}
	return p.last, p.last.Err
}
