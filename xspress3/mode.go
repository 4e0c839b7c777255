package xspress3

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// ClockPeriod is the period of the detector's timing clock, in seconds
	ClockPeriod = 12.5e-9

	// MaxExposure is the longest exposure the frame timer can count
	MaxExposure = time.Duration(math.MaxUint32) * 20 * time.Nanosecond

	// DefaultBins is the number of histogram bins per channel
	DefaultBins = 4096

	// DefaultPollInterval is how often the device is asked for completed frames
	DefaultPollInterval = 500 * time.Millisecond

	// AllChannels selects every channel where a channel index is taken
	AllChannels = -1
)

// TrigMode is a trigger mode
type TrigMode int

const (
	// IntTrig paces every frame from the host, started by one request
	IntTrig TrigMode = iota
	// IntTrigMult paces frames from the host as well
	IntTrigMult
	// ExtTrigSingle starts the sequence on one external trigger
	ExtTrigSingle
	// ExtTrigMult starts every frame on an external trigger
	ExtTrigMult
	// ExtGate lets an external gate signal delimit every frame
	ExtGate
)

var trigModeNames = map[TrigMode]string{
	IntTrig:       "IntTrig",
	IntTrigMult:   "IntTrigMult",
	ExtTrigSingle: "ExtTrigSingle",
	ExtTrigMult:   "ExtTrigMult",
	ExtGate:       "ExtGate",
}

func (m TrigMode) String() string {
	if s, ok := trigModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("TrigMode(%d)", int(m))
}

// Valid returns true if the detector can run in this mode
func (m TrigMode) Valid() bool {
	switch m {
	case IntTrig, IntTrigMult, ExtGate:
		return true
	}
	return false
}

// SoftwarePaced returns true if frame boundaries are generated by the host
func (m TrigMode) SoftwarePaced() bool {
	return m == IntTrig || m == IntTrigMult
}

// ParseTrigMode converts a name such as "ExtGate" into a TrigMode.
// The comparison is not case sensitive.
func ParseTrigMode(s string) (TrigMode, error) {
	for m, name := range trigModeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTrigMode, s)
}

// Status is the state of the acquisition pipeline
type Status int

const (
	// Idle means no session is in progress
	Idle Status = iota
	// Paused means hardware counting is paused between two frames
	Paused
	// Running means a session is in progress
	Running
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Paused:
		return "Paused"
	case Running:
		return "Running"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Detector returns the detector level status for s, as reported to
// acquisition frameworks
func (s Status) Detector() string {
	switch s {
	case Paused:
		return "WaitingForTrigger"
	case Running:
		return "Exposure"
	}
	return "Ready"
}
