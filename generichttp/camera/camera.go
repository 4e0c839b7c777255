// Package camera provides a generic HTTP interface to a frame based spectroscopy detector
package camera

import (
	"encoding/json"
	"fmt"
	"go/types"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"
	cam "github.jpl.nasa.gov/bdube/xspress/camera"
	"github.jpl.nasa.gov/bdube/xspress/generichttp"
	"github.jpl.nasa.gov/bdube/xspress/server"
	"github.jpl.nasa.gov/bdube/xspress/util"
)

// MetadataMaker can produce an array of FITS cards
type MetadataMaker interface {
	// CollectHeaderMetadata produces an array of FITS cards
	CollectHeaderMetadata() []fitsio.Card
}

// HTTPSequencer injects session control routes into a route table
func HTTPSequencer(s cam.Sequencer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/prepare"}] = call(s.PrepareAcq)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}] = call(s.StartAcq)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}] = call(s.StopAcq)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/running"}] = generichttp.GetBool(func() (bool, error) {
		return s.IsRunning(), nil
	})
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/acquired"}] = generichttp.GetInt(func() (int, error) {
		return s.AcquiredFrames(), nil
	})
}

// HTTPExposer injects exposure time and frame count routes into a route table
func HTTPExposer(e cam.Exposer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}] = GetExposureTime(e)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}] = SetExposureTime(e)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/frames"}] = generichttp.GetInt(e.GetNbFrames)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/frames"}] = generichttp.SetInt(e.SetNbFrames)
}

// HTTPSpectrometer injects scaler and histogram read back routes into a route table
func HTTPSpectrometer(s cam.Spectrometer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/channels"}] = generichttp.GetInt(func() (int, error) {
		return s.Channels(), nil
	})
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/scalers"}] = GetScalers(s)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/histogram"}] = GetHistogram(s)
}

// HTTPFrames injects the frame cube route into a route table.  meta may be nil.
func HTTPFrames(src cam.FrameSource, meta MetadataMaker, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/cube"}] = GetCube(src, meta)
}

// call adapts a func() error to a handler that replies 200 or 400
func call(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted in a
// way that is parseable by golang/time.ParseDuration, or a json payload with
// key f64, holding the exposure time in seconds.
func SetExposureTime(e cam.Exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		texp := r.URL.Query().Get("exposureTime")
		var d time.Duration
		var err error
		if texp == "" {
			f := server.FloatT{}
			err = json.NewDecoder(r.Body).Decode(&f)
			defer r.Body.Close()
			d = util.SecsToDuration(f.F64)
		} else {
			if util.AllElementsNumbers(texp) {
				texp = texp + "s"
			}
			d, err = time.ParseDuration(texp)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = e.SetExposureTime(d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetExposureTime gets the exposure time in seconds on a GET request
func GetExposureTime(e cam.Exposer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := e.GetExposureTime()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := server.HumanPayload{T: types.Float64, Float: d.Seconds()}
		hp.EncodeAndRespond(w, r)
	}
}

// intQuery parses an integer query parameter, using def if it is absent
func intQuery(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("query parameter %s: %w", key, err)
	}
	return i, nil
}

// frameChannel extracts the frame and channel query parameters, both default 0
func frameChannel(r *http.Request) (frame, ch int, err error) {
	frame, err = intQuery(r, "frame", 0)
	if err != nil {
		return
	}
	ch, err = intQuery(r, "channel", 0)
	return
}

// GetScalers returns the scalers of ?frame=&channel= as a JSON array
func GetScalers(s cam.Spectrometer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame, ch, err := frameChannel(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := s.ReadScalers(frame, ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		server.RespondJSON(w, finite(v))
	}
}

// GetHistogram returns the histogram of ?frame=&channel= as a JSON array
func GetHistogram(s cam.Spectrometer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frame, ch, err := frameChannel(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, err := s.ReadHistogram(frame, ch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		server.RespondJSON(w, finite(v))
	}
}

// finite replaces infinities and NaNs, which JSON cannot carry, with nil
func finite(v []float64) []*float64 {
	out := make([]*float64, len(v))
	for i := range v {
		f := v[i]
		if !math.IsInf(f, 0) && !math.IsNaN(f) {
			out[i] = &f
		}
	}
	return out
}

// GetCube returns frames ?first=&n= as a FITS cube.  n defaults to 1.
func GetCube(src cam.FrameSource, meta MetadataMaker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		first, err := intQuery(r, "first", 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, err := intQuery(r, "n", 1)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frames, err := Cube(src, first, n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var cards []fitsio.Card
		if meta != nil {
			cards = meta.CollectHeaderMetadata()
		}
		cards = append(cards, FrameCard(first))
		channels, stride := src.Shape()
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=frames.fits")
		err = WriteCube(w, cards, frames, channels, stride)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
