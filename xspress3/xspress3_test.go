package xspress3

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.jpl.nasa.gov/bdube/xspress/framestore"
)

const (
	testChannels = 2
	testBins     = 8
)

func newTestCamera(t *testing.T, cfg Config) (*Camera, *Mock) {
	t.Helper()
	m := NewMock(testChannels, testBins)
	cfg.Channels = testChannels
	cfg.Bins = testBins
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	c, err := New(m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, m
}

func configure(t *testing.T, c *Camera, mode TrigMode, frames int, exposure time.Duration) {
	t.Helper()
	if err := c.SetTrigMode(mode); err != nil {
		t.Fatal(err)
	}
	if err := c.SetNbFrames(frames); err != nil {
		t.Fatal(err)
	}
	if err := c.SetExposureTime(exposure); err != nil {
		t.Fatal(err)
	}
}

// run starts a session and waits up to 5 s for it to end
func run(t *testing.T, c *Camera) (Summary, error) {
	t.Helper()
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	return waitFor(t, c)
}

func waitFor(t *testing.T, c *Camera) (Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("session did not end within 5 s")
	}
	return s, err
}

// eventually polls cond until it is true or a second has passed
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func synthFrame(m *Mock, l Layout, frame int) []uint32 {
	buf := make([]uint32, l.FrameLen())
	for ch := 0; ch < l.Channels; ch++ {
		m.synthScalers(frame, ch, l.ScalersOf(buf, ch))
		h := l.HistogramOf(buf, ch)
		for i := range h {
			h[i] = uint32((i + frame + ch) % 7)
		}
	}
	return buf
}

func TestNewRejectsNoChannels(t *testing.T) {
	if _, err := New(NewMock(1, 1), Config{}); err == nil {
		t.Error("expected an error for zero channels")
	}
}

func TestSingleFrameZeroExposure(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 1, 0)
	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 1 || s.Drained != 1 || s.Stopped {
		t.Errorf("unexpected summary %+v", s)
	}
	if m.CallCount("Stop") != 1 || m.CallCount("Pause") != 0 {
		t.Errorf("expected one stop and no pause, calls were %v", m.Calls())
	}
	if c.Status() != Idle || c.IsRunning() {
		t.Errorf("camera not idle after the session: %v", c.Status())
	}
}

func TestSoftwarePacedSession(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 4, time.Millisecond)

	var mu sync.Mutex
	var violations []string
	var seen []int
	c.Store().Subscribe(func(f framestore.Frame) bool {
		acq, drained, req := c.Counters()
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, f.Index)
		if !(0 <= drained && drained <= f.Index && f.Index < acq && acq <= req) {
			violations = append(violations, "counters out of order")
		}
		return true
	})

	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 4 || s.Drained != 4 || s.Requested != 4 || s.Mode != IntTrigMult {
		t.Errorf("unexpected summary %+v", s)
	}
	if m.CallCount("Pause") != 3 || m.CallCount("Continue") != 3 || m.CallCount("Stop") != 1 {
		t.Errorf("expected 3 pause/continue pairs and one stop, calls were %v", m.Calls())
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{0, 1, 2, 3}, seen); diff != "" {
		t.Errorf("frames published out of order (-want +got):\n%s", diff)
	}
	if len(violations) != 0 {
		t.Errorf("invariant violated %d times", len(violations))
	}
	for f := 0; f < 4; f++ {
		got, err := c.ReadFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(synthFrame(m, c.Layout(), f), got); diff != "" {
			t.Errorf("frame %d mismatch (-want +got):\n%s", f, diff)
		}
	}
}

func TestRawScalerRoundTrip(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 2, 0)
	scalers := []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	hist := []uint32{10, 20, 30, 40, 50, 60, 70, 80}
	m.SetFrame(1, 1, scalers, hist)
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadScalers(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != NumScalers+2 {
		t.Fatalf("expected %d values, got %d", NumScalers+2, len(got))
	}
	want := make([]float64, NumScalers)
	for i, v := range scalers {
		want[i] = float64(v)
	}
	if diff := cmp.Diff(want, got[:NumScalers]); diff != "" {
		t.Errorf("scalers mismatch (-want +got):\n%s", diff)
	}
	// Time=1, ResetTicks=2, AllEvent=4, width 6: dead = 4*7+2 = 30 ticks
	if got[NumScalers] != 3000 || math.Abs(got[NumScalers+1]+1.0/29) > 1e-12 {
		t.Errorf("dead time stats = %v, %v", got[NumScalers], got[NumScalers+1])
	}
	h, err := c.ReadHistogram(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{10, 20, 30, 40, 50, 60, 70, 80}, h); diff != "" {
		t.Errorf("histogram mismatch (-want +got):\n%s", diff)
	}
}

func TestStopAfterTwoFrames(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 5, 10*time.Millisecond)
	// the device completes two frames and no more before the stop lands
	m.SetProgress(func(n int) int {
		if n > 2 {
			return 2
		}
		return n
	})
	c.Store().Subscribe(func(f framestore.Frame) bool {
		if f.Index == 1 {
			c.StopAcq()
		}
		return true
	})
	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Stopped {
		t.Error("session not marked as stopped")
	}
	if s.Acquired != 2 || s.Drained != 2 {
		t.Errorf("expected 2 frames acquired and drained, got %+v", s)
	}
	if m.CallCount("Stop") == 0 {
		t.Error("device was not stopped")
	}
	if _, err := c.ReadHistogram(s.Acquired, 0); !errors.Is(err, ErrFrameNotAvailable) {
		t.Errorf("reading past the acquired frames gave %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 2, 0)
	for i := 0; i < 3; i++ {
		if err := c.StopAcq(); err != nil {
			t.Fatal(err)
		}
	}
	if c.Status() != Idle {
		t.Fatalf("status %v after stopping an idle camera", c.Status())
	}
	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Stopped || s.Acquired != 2 {
		t.Errorf("a stop before start leaked into the session: %+v", s)
	}

	// a second session starts from zero
	if err := c.SetNbFrames(1); err != nil {
		t.Fatal(err)
	}
	s, err = run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 1 || s.Drained != 1 {
		t.Errorf("second session counters not reset: %+v", s)
	}
}

func TestStopWhileWaitingForGate(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	configure(t, c, ExtGate, 3, 0)
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetNbFrames(4); !errors.Is(err, ErrBusy) {
		t.Errorf("SetNbFrames while running gave %v, expected ErrBusy", err)
	}
	if err := c.StartAcq(); !errors.Is(err, ErrBusy) {
		t.Errorf("StartAcq while running gave %v, expected ErrBusy", err)
	}
	if !c.IsRunning() {
		t.Error("IsRunning false during a session")
	}
	c.StopAcq()
	c.StopAcq()
	s, err := waitFor(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Stopped || s.Acquired != 0 || s.Drained != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestExternalGate(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, ExtGate, 3, 0)
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	if !eventually(t, func() bool { return m.CallCount("CheckProgress") > 0 }) {
		t.Fatal("driver never polled the device")
	}
	m.Gate(1)
	if !eventually(t, func() bool { return c.AcquiredFrames() == 1 }) {
		t.Fatalf("acquired %d frames after one gate", c.AcquiredFrames())
	}
	m.Gate(2)
	s, err := waitFor(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 3 || s.Drained != 3 {
		t.Errorf("unexpected summary %+v", s)
	}
	if m.CallCount("Pause") != 0 {
		t.Error("gated session paused the device")
	}
}

func TestExternalGateClampsToRequested(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, ExtGate, 3, 0)
	m.SetProgress(func(int) int { return 4 })
	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 3 || s.Drained != 3 {
		t.Errorf("expected 3 acquired and drained, got %+v", s)
	}
	if _, err := c.ReadFrame(3); !errors.Is(err, ErrFrameNotAvailable) {
		t.Errorf("frame 3 gave %v, expected ErrFrameNotAvailable", err)
	}
}

func TestEarlyCompletionDoesNotRaceAhead(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 3, time.Millisecond)
	m.SetProgress(func(int) int { return 10 })

	var mu sync.Mutex
	var atBoundary []int
	m.OnCall(func(call string) {
		if call == "Pause" || call == "Stop" {
			n := c.AcquiredFrames()
			mu.Lock()
			atBoundary = append(atBoundary, n)
			mu.Unlock()
		}
	})
	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 3 || s.Drained != 3 {
		t.Errorf("unexpected summary %+v", s)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{0, 1, 2}, atBoundary); diff != "" {
		t.Errorf("acquired count at each frame boundary (-want +got):\n%s", diff)
	}
}

func TestPausedStatusBetweenFrames(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 2, time.Millisecond)
	statuses := make(chan Status, 4)
	m.OnCall(func(call string) {
		if call == "Continue" {
			statuses <- c.Status()
		}
	})
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-statuses:
		if s != Paused {
			t.Errorf("status during continue was %v, expected Paused", s)
		}
	default:
		t.Error("continue was never called")
	}
}

func TestDeviceFailureEndsSession(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 3, 0)
	m.FailNext("Pause", errors.New("link down"))
	s, err := run(t, c)
	var derr *DeviceError
	if !errors.As(err, &derr) || derr.Call != "xsp3_histogram_pause" {
		t.Fatalf("expected a pause device error, got %v", err)
	}
	if !errors.Is(err, DRVError(-1)) {
		t.Errorf("error does not carry XSP3_ERROR: %v", err)
	}
	if s.Acquired != 0 || s.Err == nil {
		t.Errorf("unexpected summary %+v", s)
	}
	if m.CallCount("Stop") == 0 {
		t.Error("device was not stopped after the failure")
	}
	if c.Status() != Idle || !errors.Is(c.Err(), DRVError(-1)) {
		t.Errorf("status %v, err %v after a failed session", c.Status(), c.Err())
	}

	// the next session is unaffected
	s, err = run(t, c)
	if err != nil || s.Acquired != 3 {
		t.Errorf("session after a failure: %+v, %v", s, err)
	}
}

func TestReadoutFailureEndsSession(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 3, 5*time.Millisecond)
	m.FailNext("ReadHistogram", errors.New("dma error"))
	s, err := run(t, c)
	var derr *DeviceError
	if !errors.As(err, &derr) || derr.Call != "xsp3_histogram_read3d" {
		t.Fatalf("expected a histogram read error, got %v", err)
	}
	if s.Drained != 0 {
		t.Errorf("expected nothing drained, got %+v", s)
	}
	if c.Status() != Idle {
		t.Errorf("status %v after a readout failure", c.Status())
	}
}

func TestTimeoutWithoutGate(t *testing.T) {
	c, m := newTestCamera(t, Config{MaxWait: 20 * time.Millisecond})
	configure(t, c, ExtGate, 2, 0)
	s, err := run(t, c)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if s.Acquired != 0 || !errors.Is(s.Err, ErrTimeout) {
		t.Errorf("unexpected summary %+v", s)
	}
	if m.CallCount("Stop") == 0 {
		t.Error("device was not stopped after the timeout")
	}
}

func TestConsumerHaltsReadout(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 3, time.Millisecond)
	c.Store().Subscribe(func(f framestore.Frame) bool { return false })
	s, err := run(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if s.Acquired != 3 || s.Drained != 1 {
		t.Errorf("expected 3 acquired and 1 drained, got %+v", s)
	}
	// frames that were never read out come from the device
	got, err := c.ReadFrame(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(synthFrame(m, c.Layout(), 2), got); diff != "" {
		t.Errorf("frame 2 mismatch (-want +got):\n%s", diff)
	}
}

func TestEvictedFrame(t *testing.T) {
	c, _ := newTestCamera(t, Config{Buffers: 2})
	configure(t, c, IntTrig, 4, 0)
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadFrame(0); !errors.Is(err, framestore.ErrEvicted) {
		t.Errorf("frame 0 gave %v, expected ErrEvicted", err)
	}
	if _, err := c.ReadFrame(3); err != nil {
		t.Errorf("frame 3: %v", err)
	}
}

func TestReadBeforeAnySession(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	if _, err := c.ReadScalers(0, 0); !errors.Is(err, ErrFrameNotAvailable) {
		t.Errorf("expected ErrFrameNotAvailable, got %v", err)
	}
	if _, err := c.ReadHistogram(0, 5); !errors.Is(err, ErrChannelOutOfRange) {
		t.Errorf("expected ErrChannelOutOfRange, got %v", err)
	}
	if n := m.CallCount("ReadScalers") + m.CallCount("ReadHistogram"); n != 0 {
		t.Errorf("%d device reads for unavailable frames", n)
	}
}

func TestDeadtimeCorrectedReadBack(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 1, 0)
	p := ChannelParams{AllEventOffset: 1, UseGoodEvent: true}
	if err := c.SetDeadtimeParams(0, p); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.GetDeadtimeParams(0); got != p {
		t.Errorf("params read back as %+v", got)
	}
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
	raw, err := c.ReadScalers(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetUseDtc(true); err != nil {
		t.Fatal(err)
	}
	got, err := c.ReadScalers(0, 0)
	if err != nil {
		t.Fatal(err)
	}

	// one tick per event plus 400 reset ticks out of 80000
	factor := 80000.0 / (80000 - 400 - 2000)
	want := []float64{80000, 400, 4, 2000, 2000 * factor, 900 * factor, 450 * factor, 20, 80000,
		100 * 14400 / 80000.0, 80000.0 / 65600}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("corrected scalers mismatch (-want +got):\n%s", diff)
	}
	if raw[AllGood] != 1800 {
		t.Errorf("raw AllGood = %v, expected 1800", raw[AllGood])
	}

	h, err := c.ReadHistogram(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantH := make([]float64, testBins)
	for i := range wantH {
		wantH[i] = float64(i%7) * factor
	}
	if diff := cmp.Diff(wantH, h, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("corrected histogram mismatch (-want +got):\n%s", diff)
	}
}

func TestSettingValidation(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	calls := len(m.Calls())
	if err := c.SetExposureTime(-time.Second); !errors.Is(err, ErrExposureOutOfRange) {
		t.Errorf("negative exposure gave %v", err)
	}
	if err := c.SetExposureTime(MaxExposure + time.Second); !errors.Is(err, ErrExposureOutOfRange) {
		t.Errorf("overlong exposure gave %v", err)
	}
	if err := c.SetTrigMode(ExtTrigMult); !errors.Is(err, ErrInvalidTrigMode) {
		t.Errorf("ExtTrigMult gave %v", err)
	}
	if err := c.SetNbFrames(0); !errors.Is(err, ErrInvalidFrameCount) {
		t.Errorf("zero frames gave %v", err)
	}
	if err := c.SetLatencyTime(time.Millisecond); !errors.Is(err, ErrLatencyUnsupported) {
		t.Errorf("nonzero latency gave %v", err)
	}
	if err := c.SetLatencyTime(0); err != nil {
		t.Errorf("zero latency gave %v", err)
	}
	if err := c.SetDeadtimeParams(testChannels, ChannelParams{}); !errors.Is(err, ErrChannelOutOfRange) {
		t.Errorf("channel out of range gave %v", err)
	}
	if n := len(m.Calls()); n != calls {
		t.Errorf("rejected settings made %d device calls", n-calls)
	}

	if err := c.SetExposureTime(30 * time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	if d, _ := c.GetExposureTime(); d != 25*time.Nanosecond {
		t.Errorf("30ns quantised to %v, expected 25ns", d)
	}
}

func TestPrepareAcq(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 3, 0)
	if err := c.PrepareAcq(); err != nil {
		t.Fatal(err)
	}
	if m.CallCount("Clear") != 0 || m.CallCount("Arm") != 1 {
		t.Errorf("calls were %v", m.Calls())
	}
	c.SetClear(true)
	if err := c.PrepareAcq(); err != nil {
		t.Fatal(err)
	}
	if m.CallCount("Clear") != 1 || m.CallCount("Arm") != 2 {
		t.Errorf("calls were %v", m.Calls())
	}
}

func TestSessionHookCalledOnce(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 2, 0)
	got := make(chan Summary, 4)
	c.OnSessionEnd(func(s Summary) { got <- s })
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if s.Acquired != 2 || s.Drained != 2 {
			t.Errorf("hook got %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("session hook not called")
	}
	select {
	case s := <-got:
		t.Errorf("hook called twice, second time with %+v", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseDuringGateWait(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, ExtGate, 2, 0)
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while waiting for a gate")
	}
	if m.CallCount("Close") != 1 {
		t.Error("device not closed")
	}
	if _, err := c.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait after Close gave %v, expected ErrClosed", err)
	}
	if err := c.StartAcq(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartAcq after Close gave %v, expected ErrClosed", err)
	}
}

func TestStopDrainsQueuedFrames(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 10, 5*time.Millisecond)
	release := make(chan struct{})
	c.Store().Subscribe(func(f framestore.Frame) bool {
		if f.Index == 0 {
			<-release
		}
		return true
	})
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	if !eventually(t, func() bool { return c.AcquiredFrames() >= 3 }) {
		close(release)
		t.Fatalf("only %d frames acquired with readout held", c.AcquiredFrames())
	}
	c.StopAcq()
	close(release)
	s, err := waitFor(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Stopped {
		t.Error("session not marked as stopped")
	}
	if s.Acquired < 3 || s.Drained != s.Acquired {
		t.Errorf("expected every queued frame drained after the stop, got %+v", s)
	}
}

func TestDeviceCallsDoNotOverlap(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	configure(t, c, IntTrigMult, 10, time.Millisecond)
	c.SetUseDtc(true)
	// widen every call so that overlapping callers would be caught
	m.OnCall(func(string) { time.Sleep(100 * time.Microsecond) })
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	reads := make(chan int, 1)
	go func() {
		n := 0
		for {
			select {
			case <-done:
				reads <- n
				return
			default:
			}
			if _, drained, _ := c.Counters(); drained > 0 {
				if _, err := c.ReadScalers(drained-1, 1); err == nil {
					n++
				}
			} else {
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()
	s, err := waitFor(t, c)
	close(done)
	n := <-reads
	if err != nil {
		t.Fatal(err)
	}
	if s.Drained != 10 {
		t.Errorf("unexpected summary %+v", s)
	}
	if n == 0 {
		t.Error("no read back ran alongside the session")
	}
	if o := m.Overlaps(); o != 0 {
		t.Errorf("%d device calls overlapped another", o)
	}
}

func TestSessionHookHoldsOffNextSession(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	configure(t, c, IntTrig, 2, 0)
	type inHook struct {
		start   error
		running bool
		frame   error
	}
	got := make(chan inHook, 1)
	c.OnSessionEnd(func(s Summary) {
		var r inHook
		r.start = c.StartAcq()
		r.running = c.IsRunning()
		_, r.frame = c.ReadFrame(s.Acquired - 1)
		got <- r
	})
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-got:
		if !errors.Is(r.start, ErrBusy) {
			t.Errorf("StartAcq inside the hook gave %v, expected ErrBusy", r.start)
		}
		if !r.running {
			t.Error("IsRunning false inside the hook")
		}
		if r.frame != nil {
			t.Errorf("reading the finished session inside the hook gave %v", r.frame)
		}
	default:
		t.Fatal("Wait returned before the session hook")
	}
	if c.IsRunning() {
		t.Error("camera still busy after the hook returned")
	}
	c.OnSessionEnd(nil)
	if _, err := run(t, c); err != nil {
		t.Fatal(err)
	}
}

func TestParamsSeededFromDevice(t *testing.T) {
	m := NewMock(testChannels, testBins)
	want := ChannelParams{AllEventGradient: 0.25, InWindowOffset: 3, UseGoodEvent: true}
	if err := m.SetDeadtimeParams(1, want); err != nil {
		t.Fatal(err)
	}
	c, err := New(m, Config{Channels: testChannels, Bins: testBins, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	for ch, w := range []ChannelParams{{}, want} {
		p, err := c.GetDeadtimeParams(ch)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(w, p); diff != "" {
			t.Errorf("channel %d params (-want +got):\n%s", ch, diff)
		}
	}

	m = NewMock(testChannels, testBins)
	m.FailNext("DeadtimeParams", errors.New("no answer"))
	if _, err := New(m, Config{Channels: testChannels}); err == nil {
		t.Error("New succeeded without reading the dead time parameters")
	}
}

func TestSetDeadtimeParamsAllChannels(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	want := ChannelParams{AllEventOffset: 2e-3, OmitChannel: true}
	if err := c.SetDeadtimeParams(AllChannels, want); err != nil {
		t.Fatal(err)
	}
	if n := m.CallCount("SetDeadtimeParams"); n != 1 {
		t.Errorf("%d device calls to set every channel, expected 1", n)
	}
	for ch := 0; ch < testChannels; ch++ {
		p, _ := c.GetDeadtimeParams(ch)
		dp, err := m.DeadtimeParams(ch)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]ChannelParams{want, want}, []ChannelParams{p, dp}); diff != "" {
			t.Errorf("channel %d params (-want +got):\n%s", ch, diff)
		}
	}
	if _, err := c.GetDeadtimeParams(AllChannels); !errors.Is(err, ErrChannelOutOfRange) {
		t.Errorf("reading channel %d gave %v", AllChannels, err)
	}
}

func TestSetDeadtimeParamsCommitsAfterDevice(t *testing.T) {
	c, m := newTestCamera(t, Config{})
	old := ChannelParams{AllEventGradient: 1}
	if err := c.SetDeadtimeParams(0, old); err != nil {
		t.Fatal(err)
	}
	m.FailNext("SetDeadtimeParams", errors.New("rejected"))
	if err := c.SetDeadtimeParams(0, ChannelParams{AllEventGradient: 2}); err == nil {
		t.Fatal("device failure not reported")
	}
	if p, _ := c.GetDeadtimeParams(0); p != old {
		t.Errorf("params after a failed load are %+v, expected %+v", p, old)
	}

	// no session may start while the device is taking the parameters
	type inCall struct {
		start   error
		running bool
	}
	got := make(chan inCall, 1)
	m.OnCall(func(call string) {
		if call == "SetDeadtimeParams" {
			got <- inCall{c.StartAcq(), c.IsRunning()}
		}
	})
	if err := c.SetDeadtimeParams(1, old); err != nil {
		t.Fatal(err)
	}
	m.OnCall(nil)
	r := <-got
	if !errors.Is(r.start, ErrBusy) || !r.running {
		t.Errorf("during the device call StartAcq gave %v and IsRunning %v", r.start, r.running)
	}
	if c.IsRunning() {
		t.Error("camera busy after the parameters were loaded")
	}
}

func TestDeadtimeEnergy(t *testing.T) {
	c, _ := newTestCamera(t, Config{})
	if e, err := c.GetDeadtimeEnergy(); err != nil || e != MockDeadtimeEnergy {
		t.Errorf("initial energy %v, %v", e, err)
	}
	if err := c.SetDeadtimeEnergy(5.9); err != nil {
		t.Fatal(err)
	}
	if e, _ := c.GetDeadtimeEnergy(); e != 5.9 {
		t.Errorf("energy read back as %v", e)
	}
	if err := c.SetDeadtimeEnergy(-1); !errors.Is(err, ErrEnergyOutOfRange) {
		t.Errorf("negative energy gave %v", err)
	}
	configure(t, c, ExtGate, 1, 0)
	if err := c.StartAcq(); err != nil {
		t.Fatal(err)
	}
	if err := c.SetDeadtimeEnergy(8); !errors.Is(err, ErrBusy) {
		t.Errorf("setting the energy during a session gave %v", err)
	}
	c.StopAcq()
	if _, err := waitFor(t, c); err != nil {
		t.Fatal(err)
	}
}

func TestMockEventWidthRange(t *testing.T) {
	m := NewMock(testChannels, testBins)
	for _, ch := range []int{-1, testChannels} {
		if err := m.SetEventWidth(ch, 3); err == nil {
			t.Errorf("channel %d accepted", ch)
		}
	}
	if err := m.SetEventWidth(1, 3); err != nil {
		t.Fatal(err)
	}
	if w, _ := m.EventWidth(1); w != 3 {
		t.Errorf("event width %d, expected 3", w)
	}
}
