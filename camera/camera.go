/*Package camera describes a standard set of interfaces for control of
frame based spectroscopy detectors

Sequencer and Exposer cover what every detector in the lab offers, while
Spectrometer and FrameSource describe the read back of multi-channel
histogram data.  The HTTP bindings in generichttp/camera are written against
these interfaces, not a concrete driver.

*/
package camera

import "time"

// Sequencer runs acquisition sessions in the background
type Sequencer interface {
	// PrepareAcq readies the hardware for a session, for example arming
	// triggers or clearing memory
	PrepareAcq() error

	// StartAcq starts a session and returns without waiting for it
	StartAcq() error

	// StopAcq asks the running session to end early.  It does not block.
	StopAcq() error

	// IsRunning is true while a session is open
	IsRunning() bool

	// AcquiredFrames is the number of frames completed so far this session
	AcquiredFrames() int
}

// Exposer describes a detector with software controlled frame timing
type Exposer interface {
	// SetExposureTime sets the exposure time of each frame
	SetExposureTime(time.Duration) error

	// GetExposureTime gets the exposure time of each frame
	GetExposureTime() (time.Duration, error)

	// SetNbFrames sets the number of frames per session
	SetNbFrames(int) error

	// GetNbFrames gets the number of frames per session
	GetNbFrames() (int, error)
}

// Spectrometer describes a multi-channel detector whose frames hold one
// histogram and one block of scalers per channel
type Spectrometer interface {
	// Channels returns the number of channels
	Channels() int

	// ReadScalers returns the scalers of one channel of one frame
	ReadScalers(frame, ch int) ([]float64, error)

	// ReadHistogram returns the histogram of one channel of one frame
	ReadHistogram(frame, ch int) ([]float64, error)
}

// FrameSource gives access to whole raw frames
type FrameSource interface {
	// Shape returns the number of channels per frame and elements per channel
	Shape() (channels, stride int)

	// ReadFrame returns a copy of one raw frame
	ReadFrame(frame int) ([]uint32, error)
}
