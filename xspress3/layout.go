package xspress3

import "fmt"

// Scaler indexes a slot in the per channel scaler record.  The order is
// fixed by the hardware and is semantic.
type Scaler int

const (
	// Time is the elapsed time in clock ticks
	Time Scaler = iota
	ResetTicks
	ResetCount
	AllEvent
	AllGood
	InWindow0
	InWindow1
	PileUp
	TotalTicks

	// NumScalers is the number of scalers per channel per frame
	NumScalers = int(TotalTicks) + 1
)

var scalerNames = [NumScalers]string{
	"Time", "ResetTicks", "ResetCount", "AllEvent", "AllGood",
	"InWindow0", "InWindow1", "PileUp", "TotalTicks",
}

func (s Scaler) String() string {
	if s < 0 || int(s) >= NumScalers {
		return fmt.Sprintf("Scaler(%d)", int(s))
	}
	return scalerNames[s]
}

// Layout addresses elements of a frame buffer.  Each channel occupies
// Bins histogram bins followed by NumScalers scaler values, and channels
// are stored back to back.
type Layout struct {
	Channels int
	Bins     int
}

// Stride is the number of elements per channel
func (l Layout) Stride() int {
	return l.Bins + NumScalers
}

// FrameLen is the number of elements in a whole frame
func (l Layout) FrameLen() int {
	return l.Channels * l.Stride()
}

// Histogram returns the offset of bin 0 of channel ch
func (l Layout) Histogram(ch int) int {
	return ch * l.Stride()
}

// Scaler returns the offset of scaler s of channel ch
func (l Layout) Scaler(ch int, s Scaler) int {
	return ch*l.Stride() + l.Bins + int(s)
}

// HistogramOf returns the histogram of channel ch within a frame buffer
func (l Layout) HistogramOf(frame []uint32, ch int) []uint32 {
	off := l.Histogram(ch)
	return frame[off : off+l.Bins : off+l.Bins]
}

// ScalersOf returns the scaler block of channel ch within a frame buffer
func (l Layout) ScalersOf(frame []uint32, ch int) []uint32 {
	off := l.Scaler(ch, Time)
	return frame[off : off+NumScalers : off+NumScalers]
}
