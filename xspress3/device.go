package xspress3

// Device is a connection to the detector system.  Every call blocks until the
// hardware answers.  Implementations need not be safe for concurrent use;
// Camera serialises all calls.
type Device interface {
	// Arm prepares the histogramming logic for a run, if it is not armed already
	Arm() error

	// Start starts histogramming into frame 0
	Start() error

	// Stop stops histogramming and returns once the hardware is no longer busy
	Stop() error

	// Pause pauses histogramming at the end of the current frame
	Pause() error

	// Continue resumes histogramming into the next frame
	Continue() error

	// CheckProgress returns the number of frames completed so far
	CheckProgress() (int, error)

	// ReadScalers copies the scalers of nChan channels starting at firstChan
	// for one frame into dst, channel major
	ReadScalers(frame, firstChan, nChan int, dst []uint32) error

	// ReadHistogram copies the histogram of one channel for one frame into dst
	ReadHistogram(frame, ch int, dst []uint32) error

	// DeadtimeFactors computes the correction factor and the all event
	// equivalent count from one channel's raw scaler block
	DeadtimeFactors(scalers []uint32, ch int) (factor, allEvent float64, err error)

	// SetDeadtimeParams loads dead time correction parameters for a channel,
	// or for every channel if ch is negative
	SetDeadtimeParams(ch int, p ChannelParams) error

	// DeadtimeParams returns the correction parameters the device holds for a channel
	DeadtimeParams(ch int) (ChannelParams, error)

	// SetDeadtimeEnergy sets the energy in keV the dead time calculation assumes
	SetDeadtimeEnergy(keV float64) error

	// DeadtimeEnergy returns the energy in keV the dead time calculation assumes
	DeadtimeEnergy() (float64, error)

	// EventWidth returns the event time of a channel in clock ticks
	EventWidth(ch int) (int, error)

	// Clear zeroes histogram memory for a range of channels and frames
	Clear(firstChan, nChan, firstFrame, nFrames int) error

	// Close releases the connection
	Close() error
}
