package xspress3

import "sync"

var mockCallNames = map[string]string{
	"Arm":               "xsp3_histogram_arm",
	"Start":             "xsp3_histogram_start",
	"Stop":              "xsp3_histogram_stop",
	"Pause":             "xsp3_histogram_pause",
	"Continue":          "xsp3_histogram_continue",
	"CheckProgress":     "xsp3_scaler_check_progress",
	"ReadScalers":       "xsp3_scaler_read",
	"ReadHistogram":     "xsp3_histogram_read3d",
	"DeadtimeFactors":   "xsp3_calculateDeadtimeCorrectionFactors",
	"SetDeadtimeParams": "xsp3_setDeadtimeCorrectionParameters",
	"DeadtimeParams":    "xsp3_getDeadtimeCorrectionParameters",
	"SetDeadtimeEnergy": "xsp3_setDeadtimeCalculationEnergy",
	"DeadtimeEnergy":    "xsp3_getDeadtimeCalculationEnergy",
	"EventWidth":        "xsp3_get_trigger_b",
	"Clear":             "xsp3_histogram_clear",
	"Close":             "xsp3_close",
}

// MockDeadtimeEnergy is the dead time calculation energy of a new Mock, in keV
const MockDeadtimeEnergy = 10.0

// Mock is a simulated detector system.  Software paced frames complete when
// counting is paused or stopped; externally gated frames complete when Gate
// is called.  Frame data is synthesised unless set with SetFrame.
type Mock struct {
	sync.Mutex

	channels, bins int

	armed, running, paused bool

	// current is the frame being histogrammed, completed the number finished
	current, completed int

	params     []ChannelParams
	eventWidth []int
	energy     float64

	scalers map[int][]uint32
	hists   map[[2]int][]uint32

	failures map[string]error
	calls    []string
	onCall   func(string)
	progress func(int) int

	// active counts calls in progress, overlaps the calls that began while
	// another was in progress
	active, overlaps int
}

// NewMock returns a simulated system with the given number of channels and
// bins per histogram
func NewMock(channels, bins int) *Mock {
	if channels < 1 {
		channels = 1
	}
	if bins < 1 {
		bins = DefaultBins
	}
	m := &Mock{
		channels:   channels,
		bins:       bins,
		params:     make([]ChannelParams, channels),
		eventWidth: make([]int, channels),
		scalers:    make(map[int][]uint32),
		hists:      make(map[[2]int][]uint32),
		failures:   make(map[string]error),
		energy:     MockDeadtimeEnergy,
	}
	for i := range m.eventWidth {
		m.eventWidth[i] = 6
	}
	return m
}

// FailNext makes the next call to the named method fail with err
func (m *Mock) FailNext(call string, err error) {
	m.Lock()
	defer m.Unlock()
	m.failures[call] = err
}

// OnCall registers a function called at the start of every device call
// with the method name.  It runs without the mock locked.
func (m *Mock) OnCall(fn func(call string)) {
	m.Lock()
	defer m.Unlock()
	m.onCall = fn
}

// SetProgress overrides the completed frame count CheckProgress reports.
// fn receives the simulated count.
func (m *Mock) SetProgress(fn func(completed int) int) {
	m.Lock()
	defer m.Unlock()
	m.progress = fn
}

// Gate completes n externally gated frames
func (m *Mock) Gate(n int) {
	m.Lock()
	defer m.Unlock()
	m.completed += n
	m.current = m.completed
}

// SetFrame overrides the data of one channel of one frame.  Either slice may be nil.
func (m *Mock) SetFrame(frame, ch int, scalers, hist []uint32) {
	m.Lock()
	defer m.Unlock()
	if scalers != nil {
		block, ok := m.scalers[frame]
		if !ok {
			block = make([]uint32, m.channels*NumScalers)
			for c := 0; c < m.channels; c++ {
				m.synthScalers(frame, c, block[c*NumScalers:(c+1)*NumScalers])
			}
			m.scalers[frame] = block
		}
		copy(block[ch*NumScalers:(ch+1)*NumScalers], scalers)
	}
	if hist != nil {
		h := make([]uint32, m.bins)
		copy(h, hist)
		m.hists[[2]int{frame, ch}] = h
	}
}

// SetEventWidth sets the event time reported for a channel
func (m *Mock) SetEventWidth(ch, width int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.channelOK("EventWidth", ch); err != nil {
		return err
	}
	m.eventWidth[ch] = width
	return nil
}

// Overlaps returns how many device calls began while another was still in progress
func (m *Mock) Overlaps() int {
	m.Lock()
	defer m.Unlock()
	return m.overlaps
}

// Calls returns the names of every call made so far, in order
func (m *Mock) Calls() []string {
	m.Lock()
	defer m.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was called
func (m *Mock) CallCount(call string) int {
	m.Lock()
	defer m.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

// enter records the start of a call.  A nil return must be paired with leave.
func (m *Mock) enter(call string) error {
	m.Lock()
	m.calls = append(m.calls, call)
	m.active++
	if m.active > 1 {
		m.overlaps++
	}
	hook := m.onCall
	err, fail := m.failures[call]
	delete(m.failures, call)
	m.Unlock()
	if hook != nil {
		hook(call)
	}
	if fail {
		m.leave()
		return &DeviceError{Call: mockCallNames[call], Code: -1, Msg: err.Error()}
	}
	return nil
}

func (m *Mock) leave() {
	m.Lock()
	defer m.Unlock()
	m.active--
}

func (m *Mock) channelOK(call string, ch int) error {
	if ch < 0 || ch >= m.channels {
		return &DeviceError{Call: mockCallNames[call], Code: -6, Msg: "channel out of range"}
	}
	return nil
}

// Arm arms the simulated histogrammer
func (m *Mock) Arm() error {
	if err := m.enter("Arm"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	m.armed = true
	return nil
}

// Start starts counting into frame 0
func (m *Mock) Start() error {
	if err := m.enter("Start"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	m.armed = true
	m.running = true
	m.paused = false
	m.current = 0
	m.completed = 0
	return nil
}

// Stop completes the current frame and stops counting
func (m *Mock) Stop() error {
	if err := m.enter("Stop"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if m.running && !m.paused {
		m.completed = m.current + 1
	}
	m.running = false
	m.paused = false
	m.armed = false
	return nil
}

// Pause completes the current frame
func (m *Mock) Pause() error {
	if err := m.enter("Pause"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if !m.running || m.paused {
		return &DeviceError{Call: mockCallNames["Pause"], Code: -1, Msg: "histogramming is not running"}
	}
	m.completed = m.current + 1
	m.paused = true
	return nil
}

// Continue starts counting into the next frame
func (m *Mock) Continue() error {
	if err := m.enter("Continue"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if !m.paused {
		return &DeviceError{Call: mockCallNames["Continue"], Code: -1, Msg: "histogramming is not paused"}
	}
	m.current++
	m.paused = false
	return nil
}

// CheckProgress returns the number of completed frames
func (m *Mock) CheckProgress() (int, error) {
	if err := m.enter("CheckProgress"); err != nil {
		return 0, err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	n := m.completed
	if m.progress != nil {
		n = m.progress(n)
	}
	return n, nil
}

// synthScalers fills dst with deterministic scalers for a frame and channel
func (m *Mock) synthScalers(frame, ch int, dst []uint32) {
	f, c := uint32(frame), uint32(ch)
	dst[Time] = 80000
	dst[ResetTicks] = 400 + 10*c
	dst[ResetCount] = 4
	dst[AllEvent] = 2000 + 100*f + c
	dst[AllGood] = 1800 + 100*f + c
	dst[InWindow0] = 900 + 10*f
	dst[InWindow1] = 450 + 10*f
	dst[PileUp] = 20 + c
	dst[TotalTicks] = 80000 * (f + 1)
}

// ReadScalers copies the scalers of nChan channels of frame into dst
func (m *Mock) ReadScalers(frame, firstChan, nChan int, dst []uint32) error {
	if err := m.enter("ReadScalers"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if firstChan < 0 || nChan < 0 || firstChan+nChan > m.channels {
		return &DeviceError{Call: mockCallNames["ReadScalers"], Code: -6, Msg: "channel range out of range"}
	}
	if len(dst) < nChan*NumScalers {
		return &DeviceError{Call: mockCallNames["ReadScalers"], Code: -6, Msg: "destination too small"}
	}
	block, ok := m.scalers[frame]
	for i := 0; i < nChan; i++ {
		ch := firstChan + i
		out := dst[i*NumScalers : (i+1)*NumScalers]
		if ok {
			copy(out, block[ch*NumScalers:(ch+1)*NumScalers])
		} else {
			m.synthScalers(frame, ch, out)
		}
	}
	return nil
}

// ReadHistogram copies one channel's histogram of frame into dst
func (m *Mock) ReadHistogram(frame, ch int, dst []uint32) error {
	if err := m.enter("ReadHistogram"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if err := m.channelOK("ReadHistogram", ch); err != nil {
		return err
	}
	if h, ok := m.hists[[2]int{frame, ch}]; ok {
		copy(dst, h)
		return nil
	}
	for i := range dst {
		dst[i] = uint32((i + frame + ch) % 7)
	}
	return nil
}

// DeadtimeFactors models the correction as a per event dead time of
// AllEventGradient*rate+AllEventOffset ticks plus the reset ticks
func (m *Mock) DeadtimeFactors(scalers []uint32, ch int) (float64, float64, error) {
	if err := m.enter("DeadtimeFactors"); err != nil {
		return 0, 0, err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if err := m.channelOK("DeadtimeFactors", ch); err != nil {
		return 0, 0, err
	}
	if len(scalers) < NumScalers {
		return 0, 0, &DeviceError{Call: mockCallNames["DeadtimeFactors"], Code: -6, Msg: "short scaler block"}
	}
	p := m.params[ch]
	elapsed := float64(scalers[Time])
	allEvent := float64(scalers[AllEvent])
	if p.OmitChannel || elapsed == 0 {
		return 1, allEvent, nil
	}
	perEvent := p.AllEventGradient*allEvent/elapsed + p.AllEventOffset
	live := elapsed - float64(scalers[ResetTicks]) - allEvent*perEvent
	if live <= 0 {
		return 0, 0, &DeviceError{Call: mockCallNames["DeadtimeFactors"], Code: -6, Msg: "dead time exceeds frame time"}
	}
	factor := elapsed / live
	return factor, allEvent * factor, nil
}

// SetDeadtimeParams stores correction parameters for a channel, or for
// every channel if ch is negative
func (m *Mock) SetDeadtimeParams(ch int, p ChannelParams) error {
	if err := m.enter("SetDeadtimeParams"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if ch < 0 {
		for i := range m.params {
			m.params[i] = p
		}
		return nil
	}
	if err := m.channelOK("SetDeadtimeParams", ch); err != nil {
		return err
	}
	m.params[ch] = p
	return nil
}

// DeadtimeParams returns the correction parameters of a channel
func (m *Mock) DeadtimeParams(ch int) (ChannelParams, error) {
	if err := m.enter("DeadtimeParams"); err != nil {
		return ChannelParams{}, err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if err := m.channelOK("DeadtimeParams", ch); err != nil {
		return ChannelParams{}, err
	}
	return m.params[ch], nil
}

// SetDeadtimeEnergy stores the dead time calculation energy
func (m *Mock) SetDeadtimeEnergy(keV float64) error {
	if err := m.enter("SetDeadtimeEnergy"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if keV < 0 {
		return &DeviceError{Call: mockCallNames["SetDeadtimeEnergy"], Code: -6, Msg: "negative energy"}
	}
	m.energy = keV
	return nil
}

// DeadtimeEnergy returns the dead time calculation energy
func (m *Mock) DeadtimeEnergy() (float64, error) {
	if err := m.enter("DeadtimeEnergy"); err != nil {
		return 0, err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	return m.energy, nil
}

// EventWidth returns the event time of a channel
func (m *Mock) EventWidth(ch int) (int, error) {
	if err := m.enter("EventWidth"); err != nil {
		return 0, err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	if err := m.channelOK("EventWidth", ch); err != nil {
		return 0, err
	}
	return m.eventWidth[ch], nil
}

// Clear drops any data set with SetFrame in the given range
func (m *Mock) Clear(firstChan, nChan, firstFrame, nFrames int) error {
	if err := m.enter("Clear"); err != nil {
		return err
	}
	defer m.leave()
	m.Lock()
	defer m.Unlock()
	for f := firstFrame; f < firstFrame+nFrames; f++ {
		for c := firstChan; c < firstChan+nChan; c++ {
			delete(m.hists, [2]int{f, c})
		}
		if firstChan == 0 && nChan >= m.channels {
			delete(m.scalers, f)
		}
	}
	return nil
}

// Close does nothing
func (m *Mock) Close() error {
	if err := m.enter("Close"); err != nil {
		return err
	}
	m.leave()
	return nil
}
