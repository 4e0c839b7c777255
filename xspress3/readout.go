package xspress3

import (
	"errors"
	"fmt"
	"log"

	"github.jpl.nasa.gov/bdube/xspress/framestore"
)

// readoutLoop copies acquired frames into the store in order until shutdown
func (c *Camera) readoutLoop() {
	defer c.wg.Done()
	p := c.p
	scalers := make([]uint32, c.layout.Channels*NumScalers)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for !p.quitRequested && (p.drainHalted || p.drained >= p.acquired) {
			p.readCond.Wait()
		}
		if p.quitRequested {
			return
		}
		frame := p.drained
		p.copying = true
		p.mu.Unlock()
		cont, err := c.drainFrame(frame, scalers)
		p.mu.Lock()
		p.copying = false
		if err != nil {
			if p.err == nil {
				p.err = err
			}
			p.abortRequested = true
			p.drainHalted = true
			log.Println("xspress3: readout failed, ending the session:", err)
		} else {
			p.drained++
			if !cont {
				p.drainHalted = true
				log.Printf("xspress3: a consumer halted readout after %d frames\n", p.drained)
			}
		}
		if p.drained == p.sess.frames || p.drained == p.acquired || p.drainHalted {
			p.acqCond.Broadcast()
		}
		if c.progress.Allow() {
			log.Printf("xspress3: read out %d of %d frames\n", p.drained, p.sess.frames)
		}
		if p.state == waitingToStart {
			// the acquisition loop has already given up on this session
			c.report()
		}
	}
}

// drainFrame reads one frame into its store slot and publishes it.  The
// return is false if a consumer asked to stop.
func (c *Camera) drainFrame(frame int, scalers []uint32) (bool, error) {
	buf, err := c.store.Buffer(frame)
	if err != nil {
		return false, err
	}
	if err := c.readInto(frame, buf, scalers); err != nil {
		return false, err
	}
	return c.store.Publish(frame), nil
}

// readInto copies frame from the device into buf using the frame layout.
// scalers is scratch space for the whole scaler block.
func (c *Camera) readInto(frame int, buf, scalers []uint32) error {
	l := c.layout
	err := c.do(func() error { return c.dev.ReadScalers(frame, 0, l.Channels, scalers) })
	if err != nil {
		return fmt.Errorf("reading scalers of frame %d: %w", frame, err)
	}
	for ch := 0; ch < l.Channels; ch++ {
		hist := l.HistogramOf(buf, ch)
		err = c.do(func() error { return c.dev.ReadHistogram(frame, ch, hist) })
		if err != nil {
			return fmt.Errorf("reading histogram of frame %d channel %d: %w", frame, ch, err)
		}
		copy(l.ScalersOf(buf, ch), scalers[ch*NumScalers:(ch+1)*NumScalers])
	}
	return nil
}

// available fails with ErrFrameNotAvailable unless frame has been acquired
func (c *Camera) available(frame int) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if frame < 0 || frame >= c.p.acquired {
		return fmt.Errorf("%w: frame %d, %d acquired", ErrFrameNotAvailable, frame, c.p.acquired)
	}
	return nil
}

// ReadFrame returns a copy of one raw frame, laid out per Layout.  Frames
// that have been acquired but not read out yet come straight from the device.
func (c *Camera) ReadFrame(frame int) ([]uint32, error) {
	if err := c.available(frame); err != nil {
		return nil, err
	}
	buf, err := c.store.Frame(frame)
	if errors.Is(err, framestore.ErrNotReady) {
		buf = make([]uint32, c.layout.FrameLen())
		err = c.readInto(frame, buf, make([]uint32, c.layout.Channels*NumScalers))
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// correction returns the dead time factor and all event equivalent of one
// channel's raw scalers, or ok=false if correction is disabled
func (c *Camera) correction(raw []uint32, ch int) (factor, allEvent float64, p ChannelParams, ok bool, err error) {
	c.p.mu.Lock()
	ok, p = c.useDtc, c.params[ch]
	c.p.mu.Unlock()
	if !ok {
		return 1, float64(raw[AllEvent]), p, false, nil
	}
	err = c.do(func() error {
		var err error
		factor, allEvent, err = c.dev.DeadtimeFactors(raw, ch)
		return err
	})
	return factor, allEvent, p, true, err
}

// ReadScalers returns the scalers of one channel of one frame, corrected if
// dead time correction is enabled, followed by the dead time percentage and
// correction factor computed from the raw counts
func (c *Camera) ReadScalers(frame, ch int) ([]float64, error) {
	if err := c.checkChannel(ch); err != nil {
		return nil, err
	}
	buf, err := c.ReadFrame(frame)
	if err != nil {
		return nil, err
	}
	raw := c.layout.ScalersOf(buf, ch)

	factor, allEvent, params, ok, err := c.correction(raw, ch)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, NumScalers+2)
	if ok {
		out = append(out, CorrectScalers(raw, factor, allEvent, params)...)
	} else {
		for _, v := range raw {
			out = append(out, float64(v))
		}
	}

	var width int
	err = c.do(func() error {
		var err error
		width, err = c.dev.EventWidth(ch)
		return err
	})
	if err != nil {
		return nil, err
	}
	pct, f := DeadtimeStats(float64(raw[Time]), float64(raw[ResetTicks]), float64(raw[AllEvent]), width)
	return append(out, pct, f), nil
}

// ReadHistogram returns the histogram of one channel of one frame, corrected
// if dead time correction is enabled
func (c *Camera) ReadHistogram(frame, ch int) ([]float64, error) {
	if err := c.checkChannel(ch); err != nil {
		return nil, err
	}
	buf, err := c.ReadFrame(frame)
	if err != nil {
		return nil, err
	}
	factor, _, params, _, err := c.correction(c.layout.ScalersOf(buf, ch), ch)
	if err != nil {
		return nil, err
	}
	return CorrectHistogram(c.layout.HistogramOf(buf, ch), factor, params), nil
}
