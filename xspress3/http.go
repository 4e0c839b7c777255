package xspress3

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.jpl.nasa.gov/bdube/xspress/generichttp"
	"github.jpl.nasa.gov/bdube/xspress/generichttp/camera"
	"github.jpl.nasa.gov/bdube/xspress/server"
)

// HTTPWrapper provides an HTTP interface to a Camera
type HTTPWrapper struct {
	// Camera is the camera object being wrapped
	*Camera

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new wrapper with the route table populated
func NewHTTPWrapper(c *Camera) HTTPWrapper {
	w := HTTPWrapper{Camera: c, RouteTable: generichttp.RouteTable{}}
	rt := w.RouteTable
	camera.HTTPSequencer(c, rt)
	camera.HTTPExposer(c, rt)
	camera.HTTPSpectrometer(c, rt)
	camera.HTTPFrames(c, w, rt)

	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = w.GetStatus
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/counters"}] = w.GetCounters
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/trigger-mode"}] = generichttp.GetString(func() (string, error) {
		m, err := c.GetTrigMode()
		return m.String(), err
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/trigger-mode"}] = generichttp.SetString(func(s string) error {
		m, err := ParseTrigMode(s)
		if err != nil {
			return err
		}
		return c.SetTrigMode(m)
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/latency-time"}] = generichttp.GetFloat(func() (float64, error) {
		t, err := c.GetLatencyTime()
		return t.Seconds(), err
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/latency-time"}] = generichttp.SetFloat(func(f float64) error {
		return c.SetLatencyTime(time.Duration(f * 1e9))
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dtc"}] = generichttp.GetBool(c.GetUseDtc)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dtc"}] = generichttp.SetBool(c.SetUseDtc)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dtc/{channel}"}] = w.GetDeadtimeParams
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dtc/{channel}"}] = w.SetDeadtimeParams
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/dtc-energy"}] = generichttp.GetFloat(c.GetDeadtimeEnergy)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/dtc-energy"}] = generichttp.SetFloat(c.SetDeadtimeEnergy)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/clear"}] = generichttp.GetBool(c.GetClear)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/clear"}] = generichttp.SetBool(c.SetClear)
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetStatus returns the pipeline status and the matching hardware status
func (h HTTPWrapper) GetStatus(w http.ResponseWriter, r *http.Request) {
	s := h.Camera.Status()
	server.RespondJSON(w, struct {
		Status   string `json:"status"`
		Detector string `json:"detector"`
	}{s.String(), s.Detector()})
}

// GetCounters returns the frame counters of the current or last session
func (h HTTPWrapper) GetCounters(w http.ResponseWriter, r *http.Request) {
	acq, drained, req := h.Camera.Counters()
	errS := ""
	if err := h.Camera.Err(); err != nil {
		errS = err.Error()
	}
	server.RespondJSON(w, struct {
		Acquired  int    `json:"acquired"`
		Drained   int    `json:"drained"`
		Requested int    `json:"requested"`
		Err       string `json:"err,omitempty"`
	}{acq, drained, req, errS})
}

func channelParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "channel"))
}

// GetDeadtimeParams returns the correction parameters of /dtc/{channel} as JSON
func (h HTTPWrapper) GetDeadtimeParams(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.Camera.GetDeadtimeParams(ch)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	server.RespondJSON(w, p)
}

// SetDeadtimeParams sets the correction parameters of /dtc/{channel} from a
// JSON body.  A negative channel sets every channel.
func (h HTTPWrapper) SetDeadtimeParams(w http.ResponseWriter, r *http.Request) {
	ch, err := channelParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := ChannelParams{}
	err = json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Camera.SetDeadtimeParams(ch, p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CollectHeaderMetadata describes the current settings as FITS cards
func (h HTTPWrapper) CollectHeaderMetadata() []fitsio.Card {
	c := h.Camera
	exp, _ := c.GetExposureTime()
	mode, _ := c.GetTrigMode()
	dtc, _ := c.GetUseDtc()
	l := c.Layout()
	cards := []fitsio.Card{
		{Name: "DETECTOR", Value: "xspress3", Comment: "detector system"},
		{Name: "DATE", Value: time.Now().UTC().Format(time.RFC3339), Comment: "time of writing"},
		{Name: "EXPTIME", Value: exp.Seconds(), Comment: "exposure time, s"},
		{Name: "TRIGMODE", Value: mode.String(), Comment: "trigger mode"},
		{Name: "CHANNELS", Value: l.Channels, Comment: "detector channels"},
		{Name: "BINS", Value: l.Bins, Comment: "histogram bins per channel"},
		{Name: "SCALERS", Value: NumScalers, Comment: "scalers following each histogram"},
		{Name: "DTC", Value: dtc, Comment: "dead time correction on read back; cube is raw"},
	}
	if e, err := c.GetDeadtimeEnergy(); err == nil {
		cards = append(cards, fitsio.Card{Name: "DTCENRG", Value: e, Comment: "dead time calculation energy, keV"})
	}
	return cards
}
