//go:build xsp3sdk
// +build xsp3sdk

package xspress3

/*
#cgo CFLAGS: -I/usr/local/include/xspress3
#cgo LDFLAGS: -L/usr/local/lib -lxspress3 -limgmod -lpthread -lm
#include <stdlib.h>
#include <sys/types.h>
#include <xspress3.h>
*/
import "C"
import (
	"time"
	"unsafe"
)

// SDK is a detector system reached through libxspress3
type SDK struct {
	handle C.int
	card   C.int
}

func init() {
	openers["sdk"] = func(o OpenOptions) (Device, error) {
		s, err := OpenSDK(o.SDK)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func lastError(call string, code C.int) error {
	return &DeviceError{Call: call, Code: DRVError(code), Msg: C.GoString(C.xsp3_get_error_message())}
}

func check(call string, code C.int) error {
	if code < 0 {
		return lastError(call, code)
	}
	return nil
}

// OpenSDK connects to a detector system
func OpenSDK(o SDKOptions) (*SDK, error) {
	ip := C.CString(o.BaseIP)
	defer C.free(unsafe.Pointer(ip))
	mac := C.CString(o.BaseMAC)
	defer C.free(unsafe.Pointer(mac))
	h := C.xsp3_config(C.int(o.Cards), C.int(o.MaxFrames), ip, C.int(o.BasePort), mac,
		C.int(o.Channels), 0, nil, C.int(o.Debug), C.int(o.Card))
	if h < 0 {
		return nil, lastError("xsp3_config", h)
	}
	return &SDK{handle: h, card: C.int(o.Card)}, nil
}

// Channels returns the number of channels in the system
func (s *SDK) Channels() (int, error) {
	n := C.xsp3_get_num_chan(s.handle)
	return int(n), check("xsp3_get_num_chan", n)
}

// Bins returns the number of bins per MCA
func (s *SDK) Bins() (int, error) {
	n := C.xsp3_get_bins_per_mca(s.handle)
	return int(n), check("xsp3_get_bins_per_mca", n)
}

// Arm arms histogramming
func (s *SDK) Arm() error {
	return check("xsp3_histogram_arm", C.xsp3_histogram_arm(s.handle, s.card))
}

// Start starts histogramming
func (s *SDK) Start() error {
	return check("xsp3_histogram_start", C.xsp3_histogram_start(s.handle, s.card))
}

// Stop stops histogramming, then waits for two consecutive idle readings
// 10 ms apart
func (s *SDK) Stop() error {
	if err := check("xsp3_histogram_stop", C.xsp3_histogram_stop(s.handle, s.card)); err != nil {
		return err
	}
	idle := 0
	for idle < 2 {
		time.Sleep(10 * time.Millisecond)
		busy := C.xsp3_histogram_is_any_busy(s.handle)
		if busy < 0 {
			return lastError("xsp3_histogram_is_any_busy", busy)
		}
		if busy == 0 {
			idle++
		}
	}
	return nil
}

// Pause pauses histogramming
func (s *SDK) Pause() error {
	return check("xsp3_histogram_pause", C.xsp3_histogram_pause(s.handle, s.card))
}

// Continue resumes histogramming into the next frame
func (s *SDK) Continue() error {
	return check("xsp3_histogram_continue", C.xsp3_histogram_continue(s.handle, s.card))
}

// CheckProgress returns the number of completed frames
func (s *SDK) CheckProgress() (int, error) {
	n := C.xsp3_scaler_check_progress(s.handle)
	return int(n), check("xsp3_scaler_check_progress", n)
}

// ReadScalers reads the scalers of a range of channels for one frame
func (s *SDK) ReadScalers(frame, firstChan, nChan int, dst []uint32) error {
	if len(dst) < nChan*NumScalers {
		return &DeviceError{Call: "xsp3_scaler_read", Code: -6, Msg: "destination too small"}
	}
	ret := C.xsp3_scaler_read(s.handle, (*C.u_int32_t)(unsafe.Pointer(&dst[0])), 0,
		C.unsigned(firstChan), C.unsigned(frame), C.unsigned(NumScalers), C.unsigned(nChan), 1)
	return check("xsp3_scaler_read", ret)
}

// ReadHistogram reads one channel's histogram for one frame
func (s *SDK) ReadHistogram(frame, ch int, dst []uint32) error {
	if len(dst) == 0 {
		return nil
	}
	ret := C.xsp3_histogram_read3d(s.handle, (*C.u_int32_t)(unsafe.Pointer(&dst[0])), 0,
		C.unsigned(ch), C.unsigned(frame), C.unsigned(len(dst)), 1, 1)
	return check("xsp3_histogram_read3d", ret)
}

// DeadtimeFactors asks the library for the correction of one channel
func (s *SDK) DeadtimeFactors(scalers []uint32, ch int) (float64, float64, error) {
	var factor, allEvent C.double
	ret := C.xsp3_calculateDeadtimeCorrectionFactors(s.handle, (*C.u_int32_t)(unsafe.Pointer(&scalers[0])),
		&factor, &allEvent, 1, C.int(ch), 1)
	return float64(factor), float64(allEvent), check("xsp3_calculateDeadtimeCorrectionFactors", ret)
}

// SetDeadtimeParams loads correction parameters into the library
func (s *SDK) SetDeadtimeParams(ch int, p ChannelParams) error {
	var flags C.int
	if p.OmitChannel {
		flags |= C.XSP3_DTC_OMIT_CHANNEL
	}
	if p.UseGoodEvent {
		flags |= C.XSP3_DTC_USE_GOOD_EVENT
	}
	ret := C.xsp3_setDeadtimeCorrectionParameters(s.handle, C.int(ch), flags,
		C.double(p.AllEventGradient), C.double(p.AllEventOffset),
		C.double(p.InWindowOffset), C.double(p.InWindowGradient))
	return check("xsp3_setDeadtimeCorrectionParameters", ret)
}

// DeadtimeParams reads a channel's correction parameters back from the library
func (s *SDK) DeadtimeParams(ch int) (ChannelParams, error) {
	var flags C.int
	var aeg, aeo, iwo, iwg C.double
	ret := C.xsp3_getDeadtimeCorrectionParameters(s.handle, C.int(ch), &flags, &aeg, &aeo, &iwo, &iwg)
	if err := check("xsp3_getDeadtimeCorrectionParameters", ret); err != nil {
		return ChannelParams{}, err
	}
	return ChannelParams{
		AllEventGradient: float64(aeg),
		AllEventOffset:   float64(aeo),
		InWindowGradient: float64(iwg),
		InWindowOffset:   float64(iwo),
		UseGoodEvent:     flags&C.XSP3_DTC_USE_GOOD_EVENT != 0,
		OmitChannel:      flags&C.XSP3_DTC_OMIT_CHANNEL != 0,
	}, nil
}

// SetDeadtimeEnergy sets the energy the library's dead time calculation assumes
func (s *SDK) SetDeadtimeEnergy(keV float64) error {
	return check("xsp3_setDeadtimeCalculationEnergy", C.xsp3_setDeadtimeCalculationEnergy(s.handle, C.double(keV)))
}

// DeadtimeEnergy returns the energy the library's dead time calculation assumes
func (s *SDK) DeadtimeEnergy() (float64, error) {
	e := C.xsp3_getDeadtimeCalculationEnergy(s.handle)
	if e < 0 {
		return 0, lastError("xsp3_getDeadtimeCalculationEnergy", C.int(e))
	}
	return float64(e), nil
}

// EventWidth returns trigger B's event time for a channel
func (s *SDK) EventWidth(ch int) (int, error) {
	var trig C.Xspress3_TriggerB
	ret := C.xsp3_get_trigger_b(s.handle, C.unsigned(ch), &trig)
	return int(trig.event_time), check("xsp3_get_trigger_b", ret)
}

// Clear zeroes histogram memory
func (s *SDK) Clear(firstChan, nChan, firstFrame, nFrames int) error {
	ret := C.xsp3_histogram_clear(s.handle, C.int(firstChan), C.int(nChan), C.int(firstFrame), C.int(nFrames))
	return check("xsp3_histogram_clear", ret)
}

// Close disconnects from the system
func (s *SDK) Close() error {
	return check("xsp3_close", C.xsp3_close(s.handle))
}
