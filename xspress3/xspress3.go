/*Package xspress3 drives Xspress3 multi-channel spectroscopy detectors.

A Camera owns two goroutines for its whole life.  The acquisition loop paces
the hardware frame by frame, either from the host (IntTrig, IntTrigMult) or
by following an external gate (ExtGate), and counts a frame as acquired only
once the device reports it complete.  The readout loop copies every acquired
frame out of the device into a framestore.Pool and publishes it to the
pool's consumers.  Both loops share one mutex; neither holds it across a
device call or a sleep.

Frames are stored raw.  When dead time correction is enabled, ReadScalers and
ReadHistogram correct on the way out.

*/
package xspress3

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.jpl.nasa.gov/bdube/xspress/framestore"
	"github.jpl.nasa.gov/bdube/xspress/mathx"
	"github.jpl.nasa.gov/bdube/xspress/util"
	"golang.org/x/time/rate"
)

// Config holds the construction parameters of a Camera
type Config struct {
	// Channels is the number of detector channels
	Channels int `yaml:"Channels" koanf:"Channels"`

	// Bins is the number of histogram bins per channel
	Bins int `yaml:"Bins" koanf:"Bins"`

	// Buffers is the capacity of the frame store, in frames
	Buffers int `yaml:"Buffers" koanf:"Buffers"`

	// PollInterval is the delay between completed frame queries
	PollInterval time.Duration `yaml:"PollInterval" koanf:"PollInterval"`

	// MaxWait bounds how long the device may go without completing the
	// awaited frame.  Zero waits forever.
	MaxWait time.Duration `yaml:"MaxWait" koanf:"MaxWait"`
}

// Camera is an Xspress3 detector system with its acquisition pipeline
type Camera struct {
	dev Device

	// devMu serialises device calls; the library is not reentrant
	devMu sync.Mutex

	cfg    Config
	layout Layout
	store  *framestore.Pool

	p *pipeline

	// settings, guarded by p.mu
	mode     TrigMode
	exposure time.Duration
	frames   int
	useDtc   bool
	clear    bool
	params   []ChannelParams
	hook     func(Summary)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// progress limits readout progress logging
	progress *rate.Limiter
}

// New creates a Camera around dev and starts its acquisition and readout loops
func New(dev Device, cfg Config) (*Camera, error) {
	if cfg.Channels < 1 {
		return nil, fmt.Errorf("xspress3: need at least one channel, got %d", cfg.Channels)
	}
	if cfg.Bins < 1 {
		cfg.Bins = DefaultBins
	}
	if cfg.Buffers < 1 {
		cfg.Buffers = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	l := Layout{Channels: cfg.Channels, Bins: cfg.Bins}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Camera{
		dev:      dev,
		cfg:      cfg,
		layout:   l,
		store:    framestore.New(cfg.Buffers, l.FrameLen()),
		p:        newPipeline(),
		mode:     IntTrig,
		frames:   1,
		params:   make([]ChannelParams, cfg.Channels),
		ctx:      ctx,
		cancel:   cancel,
		progress: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for ch := range c.params {
		p, err := dev.DeadtimeParams(ch)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("xspress3: reading dead time parameters of channel %d: %w", ch, err)
		}
		c.params[ch] = p
	}
	c.wg.Add(2)
	go c.acquisitionLoop()
	go c.readoutLoop()
	return c, nil
}

// do makes one device call with the device lock held
func (c *Camera) do(fn func() error) error {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	return fn()
}

// Close stops both loops, waits for them to exit, and closes the device
func (c *Camera) Close() error {
	c.p.requestShutdown()
	c.cancel()
	c.wg.Wait()
	return c.do(c.dev.Close)
}

// Layout returns the frame layout
func (c *Camera) Layout() Layout {
	return c.layout
}

// Channels returns the number of channels
func (c *Camera) Channels() int {
	return c.layout.Channels
}

// Store returns the frame store, for consumers to subscribe to
func (c *Camera) Store() *framestore.Pool {
	return c.store
}

// OnSessionEnd registers fn to be called once per session, after the
// pipeline has gone idle.  It runs on one of the camera's goroutines and no
// session can start until it returns.  fn must not call Wait.
func (c *Camera) OnSessionEnd(fn func(Summary)) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.hook = fn
}

// idleSettings runs fn under the lock if no session is open
func (c *Camera) idleSettings(fn func() error) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if c.p.quitRequested {
		return ErrClosed
	}
	if c.p.busy() {
		return ErrBusy
	}
	return fn()
}

// reserve runs fn under the lock like idleSettings and keeps sessions from
// starting until release is called
func (c *Camera) reserve(fn func()) error {
	return c.idleSettings(func() error {
		if fn != nil {
			fn()
		}
		c.p.configuring++
		return nil
	})
}

// release ends a reservation, running commit under the lock first
func (c *Camera) release(commit func()) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if commit != nil {
		commit()
	}
	c.p.configuring--
}

// loadSetting makes one device call with sessions held off and runs commit
// only if the device accepted it
func (c *Camera) loadSetting(load func() error, commit func()) error {
	if err := c.reserve(nil); err != nil {
		return err
	}
	c.devMu.Lock()
	defer c.devMu.Unlock()
	err := load()
	if err != nil {
		commit = nil
	}
	c.release(commit)
	return err
}

// SetExposureTime sets the exposure time of software paced frames.  It is
// rounded to the detector clock.
func (c *Camera) SetExposureTime(t time.Duration) error {
	if t < 0 || t > MaxExposure {
		return fmt.Errorf("%w: %v not in [0, %v]", ErrExposureOutOfRange, t, MaxExposure)
	}
	q := util.SecsToDuration(mathx.Round(t.Seconds(), ClockPeriod))
	return c.idleSettings(func() error {
		c.exposure = q
		return nil
	})
}

// GetExposureTime returns the exposure time
func (c *Camera) GetExposureTime() (time.Duration, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.exposure, nil
}

// SetLatencyTime exists for frameworks that program a latency; only zero is accepted
func (c *Camera) SetLatencyTime(t time.Duration) error {
	if t != 0 {
		return fmt.Errorf("%w: %v", ErrLatencyUnsupported, t)
	}
	return nil
}

// GetLatencyTime always returns zero; frames follow each other without a gap
func (c *Camera) GetLatencyTime() (time.Duration, error) {
	return 0, nil
}

// SetTrigMode sets the trigger mode
func (c *Camera) SetTrigMode(m TrigMode) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidTrigMode, m)
	}
	return c.idleSettings(func() error {
		c.mode = m
		return nil
	})
}

// GetTrigMode returns the trigger mode
func (c *Camera) GetTrigMode() (TrigMode, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.mode, nil
}

// SetNbFrames sets the number of frames per session
func (c *Camera) SetNbFrames(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidFrameCount, n)
	}
	return c.idleSettings(func() error {
		c.frames = n
		return nil
	})
}

// GetNbFrames returns the number of frames per session
func (c *Camera) GetNbFrames() (int, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.frames, nil
}

// SetUseDtc enables or disables dead time correction of read back data
func (c *Camera) SetUseDtc(b bool) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.useDtc = b
	return nil
}

// GetUseDtc returns whether dead time correction is enabled
func (c *Camera) GetUseDtc() (bool, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.useDtc, nil
}

// SetClear sets whether PrepareAcq clears histogram memory
func (c *Camera) SetClear(b bool) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.clear = b
	return nil
}

// GetClear returns whether PrepareAcq clears histogram memory
func (c *Camera) GetClear() (bool, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.clear, nil
}

func (c *Camera) checkChannel(ch int) error {
	if ch < 0 || ch >= c.layout.Channels {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrChannelOutOfRange, ch, c.layout.Channels)
	}
	return nil
}

// SetDeadtimeParams loads the correction parameters of a channel into the
// device, or of every channel if ch is AllChannels or any negative value
func (c *Camera) SetDeadtimeParams(ch int, p ChannelParams) error {
	if ch < 0 {
		ch = AllChannels
	} else if err := c.checkChannel(ch); err != nil {
		return err
	}
	return c.loadSetting(func() error {
		return c.dev.SetDeadtimeParams(ch, p)
	}, func() {
		if ch != AllChannels {
			c.params[ch] = p
			return
		}
		for i := range c.params {
			c.params[i] = p
		}
	})
}

// GetDeadtimeParams returns the correction parameters of a channel
func (c *Camera) GetDeadtimeParams(ch int) (ChannelParams, error) {
	if err := c.checkChannel(ch); err != nil {
		return ChannelParams{}, err
	}
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.params[ch], nil
}

// SetDeadtimeEnergy sets the energy in keV the device's dead time
// calculation assumes
func (c *Camera) SetDeadtimeEnergy(keV float64) error {
	if math.IsNaN(keV) || keV < 0 {
		return fmt.Errorf("%w: %v keV", ErrEnergyOutOfRange, keV)
	}
	return c.loadSetting(func() error { return c.dev.SetDeadtimeEnergy(keV) }, nil)
}

// GetDeadtimeEnergy returns the energy in keV the device's dead time
// calculation assumes
func (c *Camera) GetDeadtimeEnergy() (float64, error) {
	var e float64
	err := c.do(func() error {
		var err error
		e, err = c.dev.DeadtimeEnergy()
		return err
	})
	return e, err
}

// PrepareAcq arms the device and, if enabled, clears histogram memory for
// the configured number of frames
func (c *Camera) PrepareAcq() error {
	var frames int
	var doClear bool
	err := c.reserve(func() {
		frames, doClear = c.frames, c.clear
	})
	if err != nil {
		return err
	}
	defer c.release(nil)
	if doClear {
		err = c.do(func() error { return c.dev.Clear(0, c.layout.Channels, 0, frames) })
		if err != nil {
			return err
		}
	}
	return c.do(c.dev.Arm)
}

// StartAcq starts a session in the background.  Use Wait to block until it
// ends and retrieve its outcome.
func (c *Camera) StartAcq() error {
	c.p.mu.Lock()
	s := session{mode: c.mode, exposure: c.exposure, frames: c.frames, started: time.Now()}
	c.p.mu.Unlock()
	if err := c.p.requestStart(s, c.store.Reset); err != nil {
		return err
	}
	log.Printf("xspress3: starting acquisition of %d frames, %v, exposure %v\n", s.frames, s.mode, s.exposure)
	return nil
}

// StopAcq asks the running session to stop.  It does not block and may be
// called any number of times.
func (c *Camera) StopAcq() error {
	c.p.requestStop()
	return nil
}

// Wait blocks until the current session has ended and returns its summary
// and error.  It returns immediately with the last summary if no session is open.
func (c *Camera) Wait(ctx context.Context) (Summary, error) {
	return c.p.wait(ctx)
}

// Status returns the pipeline status
func (c *Camera) Status() Status {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.status()
}

// IsRunning returns true while the camera would refuse to start a session
func (c *Camera) IsRunning() bool {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.busy()
}

// AcquiredFrames returns the number of frames the device has completed this session
func (c *Camera) AcquiredFrames() int {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.acquired
}

// Counters returns the acquired, drained and requested frame counts of the
// current or last session in one consistent snapshot
func (c *Camera) Counters() (acquired, drained, requested int) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.acquired, c.p.drained, c.p.sess.frames
}

// Err returns the error of the current or last session
func (c *Camera) Err() error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	return c.p.err
}

// Shape returns the number of channels and the number of elements per channel
// of a frame
func (c *Camera) Shape() (channels, stride int) {
	return c.layout.Channels, c.layout.Stride()
}
