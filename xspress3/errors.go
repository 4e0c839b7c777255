package xspress3

import (
	"errors"
	"fmt"
)

// DRVError is a status code returned by the xspress3 library
type DRVError int

var (
	// ErrCodes maps library status codes to their names
	ErrCodes = map[DRVError]string{
		0:  "XSP3_OK",
		-1: "XSP3_ERROR",
		-2: "XSP3_INVALID_PATH",
		-3: "XSP3_ILLEGAL_CARD",
		-4: "XSP3_ILLEGAL_SUBPATH",
		-5: "XSP3_INVALID_DMA_STREAM",
		-6: "XSP3_RANGE_CHECK",
		-7: "XSP3_INVALID_SCOPE_MOD",
		-8: "XSP3_OUT_OF_MEMORY",
		-9: "XSP3_ERR_DEV_NOT_FOUND",
	}

	// ErrFrameNotAvailable is returned when a frame at or beyond the acquired count is requested
	ErrFrameNotAvailable = errors.New("frame not available")

	// ErrExposureOutOfRange is returned when an exposure time cannot be programmed
	ErrExposureOutOfRange = errors.New("exposure time out of range")

	// ErrInvalidTrigMode is returned for trigger modes the detector does not support
	ErrInvalidTrigMode = errors.New("invalid trigger mode")

	// ErrInvalidFrameCount is returned when fewer than one frame is requested
	ErrInvalidFrameCount = errors.New("number of frames must be at least 1")

	// ErrLatencyUnsupported is returned for any nonzero latency time
	ErrLatencyUnsupported = errors.New("latency time not supported")

	// ErrChannelOutOfRange is returned for a channel index outside [0, channels)
	ErrChannelOutOfRange = errors.New("channel out of range")

	// ErrEnergyOutOfRange is returned for a negative dead time calculation energy
	ErrEnergyOutOfRange = errors.New("dead time energy out of range")

	// ErrBusy is returned when an operation requires the detector to be idle
	ErrBusy = errors.New("acquisition in progress")

	// ErrClosed is returned after Close has been called
	ErrClosed = errors.New("camera is closed")

	// ErrTimeout is returned when the device does not report completion within MaxWait
	ErrTimeout = errors.New("timed out waiting for the device to complete frames")
)

// Error satisfies the error interface
func (e DRVError) Error() string {
	if s, ok := ErrCodes[e]; ok {
		return s
	}
	return fmt.Sprintf("XSP3 status %d", int(e))
}

// DeviceError is a failed library call.  Msg holds the library's own
// description of the last error.
type DeviceError struct {
	Call string
	Code DRVError
	Msg  string
}

// Error satisfies the error interface
func (e *DeviceError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Call, e.Code)
	}
	return fmt.Sprintf("%s: %v: %s", e.Call, e.Code, e.Msg)
}

// Unwrap exposes the status code to errors.Is
func (e *DeviceError) Unwrap() error {
	return e.Code
}
