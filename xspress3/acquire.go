package xspress3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.jpl.nasa.gov/bdube/xspress/util"
)

var (
	// errAborted ends a completion poll when a stop or shutdown is requested
	errAborted = errors.New("acquisition aborted")

	// errPending keeps a completion poll going
	errPending = errors.New("frames not yet complete")
)

// acquisitionLoop runs sessions until shutdown.  It holds p.mu except while
// waiting, sleeping, or calling the device.
func (c *Camera) acquisitionLoop() {
	defer c.wg.Done()
	p := c.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for !p.startPending && !p.quitRequested {
			p.acqCond.Wait()
		}
		if p.quitRequested {
			return
		}
		p.startPending = false
		p.state = running
		s := p.sess

		err := c.runSession(s)
		if p.quitRequested {
			return
		}
		if err != nil {
			if p.err == nil {
				p.err = err
			}
			log.Printf("xspress3: session failed after %d of %d frames: %v\n", p.acquired, s.frames, err)
			p.mu.Unlock()
			if serr := c.do(c.dev.Stop); serr != nil {
				log.Println("xspress3: stopping the device after a failure:", serr)
			}
			p.mu.Lock()
		} else if !p.abortRequested {
			p.state = draining
			for !p.quitRequested && !p.abortRequested && !p.drainHalted && p.drained < p.acquired {
				p.acqCond.Wait()
			}
			if p.quitRequested {
				return
			}
		}
		p.state = waitingToStart
		c.report()
	}
}

// runSession acquires the frames of one session.  It is called and returns
// with p.mu held.  A nil return with abortRequested set is a stopped session.
func (c *Camera) runSession(s session) error {
	p := c.p
	if p.abortRequested {
		return nil
	}
	p.mu.Unlock()
	err := c.do(c.dev.Start)
	p.mu.Lock()
	if err != nil {
		return err
	}
	if s.mode.SoftwarePaced() {
		return c.runSoftwarePaced(s)
	}
	return c.runGated(s)
}

// stopDevice stops counting after an abort.  Called with p.mu held.
func (c *Camera) stopDevice() error {
	c.p.mu.Unlock()
	defer c.p.mu.Lock()
	return c.do(c.dev.Stop)
}

// runSoftwarePaced times every frame from the host.  Each frame but the last
// ends with a pause and an immediate continue; the last ends with a stop.
// A frame counts once the device reports at least as many completed frames
// as have been ended here, and never more than that.
func (c *Camera) runSoftwarePaced(s session) error {
	p := c.p
	for ended := 0; ended < s.frames; {
		if p.abortRequested {
			return c.stopDevice()
		}
		deadline := time.Now().Add(s.exposure)
		p.mu.Unlock()
		err := sleepUntil(c.ctx, deadline, c.cfg.PollInterval, c.aborted)
		p.mu.Lock()
		if err != nil || p.quitRequested {
			return nil
		}
		if p.abortRequested {
			return c.stopDevice()
		}

		ended++
		last := ended == s.frames
		p.mu.Unlock()
		if last {
			err = c.do(c.dev.Stop)
		} else {
			err = c.pauseContinue()
		}
		if err == nil {
			target := ended
			_, err = c.waitFrames(func(n int) bool { return n >= target })
		}
		p.mu.Lock()
		switch {
		case p.quitRequested:
			return nil
		case errors.Is(err, errAborted):
			return c.stopDevice()
		case err != nil:
			return err
		}
		p.acquired = ended
		p.readCond.Broadcast()
	}
	return nil
}

// pauseContinue makes a frame boundary.  Called without p.mu.
func (c *Camera) pauseContinue() error {
	if err := c.do(c.dev.Pause); err != nil {
		return err
	}
	c.p.mu.Lock()
	c.p.state = paused
	c.p.mu.Unlock()
	err := c.do(c.dev.Continue)
	c.p.mu.Lock()
	c.p.state = running
	c.p.mu.Unlock()
	return err
}

// runGated follows an external gate.  The acquired count jumps to whatever
// the device reports, limited to the session's frame count.
func (c *Camera) runGated(s session) error {
	p := c.p
	for p.acquired < s.frames {
		if p.abortRequested {
			return c.stopDevice()
		}
		have := p.acquired
		p.mu.Unlock()
		n, err := c.waitFrames(func(n int) bool { return n > have })
		p.mu.Lock()
		switch {
		case p.quitRequested:
			return nil
		case errors.Is(err, errAborted):
			return c.stopDevice()
		case err != nil:
			return err
		}
		p.acquired = util.ClampInt(n, have, s.frames)
		p.readCond.Broadcast()
	}
	return nil
}

func (c *Camera) aborted() bool {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.abortRequested || c.p.quitRequested
}

// waitFrames polls the completed frame count every PollInterval until done
// accepts it.  Called without p.mu.  A stop request ends the wait with
// errAborted, and MaxWait, when set, with ErrTimeout.
func (c *Camera) waitFrames(done func(int) bool) (int, error) {
	var n int
	op := func() error {
		if c.aborted() {
			return backoff.Permanent(errAborted)
		}
		err := c.do(func() error {
			var err error
			n, err = c.dev.CheckProgress()
			return err
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		if done(n) {
			return nil
		}
		return errPending
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.PollInterval,
		RandomizationFactor: 0,
		Multiplier:          1,
		MaxInterval:         c.cfg.PollInterval,
		MaxElapsedTime:      c.cfg.MaxWait,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	err := backoff.Retry(op, backoff.WithContext(b, c.ctx))
	switch {
	case err == nil:
		return n, nil
	case c.ctx.Err() != nil:
		return n, errAborted
	case err == errPending:
		return n, fmt.Errorf("%w: device reports %d frames after %v", ErrTimeout, n, c.cfg.MaxWait)
	}
	return n, err
}

// sleepUntil sleeps until deadline or until ctx is done.  stop is checked
// every tick and ends the sleep early when it returns true.
func sleepUntil(ctx context.Context, deadline time.Time, tick time.Duration, stop func() bool) error {
	for {
		d := time.Until(deadline)
		if d <= 0 {
			return ctx.Err()
		}
		if d > tick {
			d = tick
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if stop() {
			return nil
		}
	}
}

// report closes the session if the pipeline is idle and hands its summary
// to the session hook.  Called with p.mu held; the hook runs without it and
// the pipeline stays busy until it returns.
func (c *Camera) report() {
	s, ok := c.p.finished()
	if !ok {
		return
	}
	if s.Err != nil {
		log.Printf("xspress3: acquisition ended with error after %d frames: %v\n", s.Drained, s.Err)
	} else {
		log.Printf("xspress3: acquisition ended, %d of %d frames read out\n", s.Drained, s.Requested)
	}
	hook := c.hook
	if hook == nil {
		return
	}
	c.p.reporting = true
	c.p.mu.Unlock()
	hook(s)
	c.p.mu.Lock()
	c.p.reporting = false
	c.p.idleCond.Broadcast()
}
