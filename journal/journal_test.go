package journal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.jpl.nasa.gov/bdube/xspress/generichttp"
	"github.jpl.nasa.gov/bdube/xspress/xspress3"
)

func summary(n int, err error) xspress3.Summary {
	t0 := time.Date(2024, 3, 1, 12, 0, n, 0, time.UTC)
	return xspress3.Summary{
		Started:   t0,
		Finished:  t0.Add(500 * time.Millisecond),
		Mode:      xspress3.IntTrigMult,
		Exposure:  100 * time.Millisecond,
		Requested: 5,
		Acquired:  n,
		Drained:   n,
		Stopped:   n < 5,
		Err:       err,
	}
}

func TestRecordAndRecent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "sub", "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		var serr error
		if i == 2 {
			serr = errors.New("xsp3_histogram_pause: XSP3_ERROR")
		}
		if _, err := j.Record(ctx, summary(i, serr)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := []Entry{
		{ID: 3, Started: t0.Add(3 * time.Second), Finished: t0.Add(3500 * time.Millisecond), Mode: "IntTrigMult",
			Exposure: 0.1, Requested: 5, Acquired: 3, Drained: 3, Stopped: true},
		{ID: 2, Started: t0.Add(2 * time.Second), Finished: t0.Add(2500 * time.Millisecond), Mode: "IntTrigMult",
			Exposure: 0.1, Requested: 5, Acquired: 2, Drained: 2, Stopped: true, Err: "xsp3_histogram_pause: XSP3_ERROR"},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("Recent mismatch (-want +got):\n%s", diff)
	}
}

func TestRecentEmpty(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	got, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected no sessions, got %d", len(got))
	}
}

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestSessionsRoute(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if _, err := j.Record(context.Background(), summary(5, nil)); err != nil {
		t.Fatal(err)
	}
	rt := table{}
	HTTPWrapper{j}.Inject(rt)
	h := rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/sessions"}]
	if h == nil {
		t.Fatal("sessions route not injected")
	}
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/sessions?n=5", nil))
	var got []Entry
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Acquired != 5 || got[0].Stopped {
		t.Errorf("unexpected sessions %+v", got)
	}

	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/sessions?n=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed n returned %d, expected 400", w.Code)
	}
}
