package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.jpl.nasa.gov/bdube/xspress/generichttp"
	"github.jpl.nasa.gov/bdube/xspress/generichttp/camera"
	"github.jpl.nasa.gov/bdube/xspress/imgrec"
	"github.jpl.nasa.gov/bdube/xspress/journal"
	"github.jpl.nasa.gov/bdube/xspress/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/xspress/telemetry"
	"github.jpl.nasa.gov/bdube/xspress/util"
	"github.jpl.nasa.gov/bdube/xspress/xspress3"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/theckman/yacspin"
)

// openCamera connects to the device and applies the bootup settings
func openCamera(cfg config) (*xspress3.Camera, error) {
	dev, err := xspress3.Open(cfg.Device)
	if err != nil {
		return nil, err
	}
	pc := cfg.Pipeline
	pc.Channels = cfg.Device.Channels
	pc.Bins = cfg.Device.Bins
	if ch, ok := dev.(interface{ Channels() (int, error) }); ok {
		// real systems know their own size
		if n, err := ch.Channels(); err == nil {
			pc.Channels = n
		}
	}
	c, err := xspress3.New(dev, pc)
	if err != nil {
		dev.Close()
		return nil, err
	}
	if err := applySettings(c, cfg.Bootup); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func applySettings(c *xspress3.Camera, s settings) error {
	mode, err := xspress3.ParseTrigMode(s.TrigMode)
	if err != nil {
		return err
	}
	if err = c.SetTrigMode(mode); err != nil {
		return err
	}
	if err = c.SetExposureTime(util.SecsToDuration(s.Exposure)); err != nil {
		return err
	}
	if err = c.SetNbFrames(s.Frames); err != nil {
		return err
	}
	c.SetUseDtc(s.UseDtc)
	c.SetClear(s.Clear)
	for ch, p := range s.Deadtime {
		if err = c.SetDeadtimeParams(ch, p); err != nil {
			return fmt.Errorf("dead time parameters of channel %d: %w", ch, err)
		}
	}
	if s.DeadtimeEnergy != 0 {
		if err = c.SetDeadtimeEnergy(s.DeadtimeEnergy); err != nil {
			return fmt.Errorf("dead time energy: %w", err)
		}
	}
	return nil
}

// saveCube writes the frames of a finished session to the recorder.  Frames
// evicted from the store are left out; FRAME0 records the first one written.
func saveCube(w xspress3.HTTPWrapper, rec *imgrec.Recorder, s xspress3.Summary) {
	if !rec.Active() || s.Acquired == 0 {
		return
	}
	first := 0
	if n := s.Drained - w.Store().Capacity(); n > 0 {
		first = n
	}
	frames, err := camera.Cube(w.Camera, first, s.Acquired-first)
	if err != nil {
		log.Println("autosave: collecting frames:", err)
		return
	}
	channels, stride := w.Shape()
	md := append(w.CollectHeaderMetadata(), camera.FrameCard(first))
	fn, err := rec.Save(func(wr io.Writer) error {
		return camera.WriteCube(wr, md, frames, channels, stride)
	})
	if err != nil {
		log.Println("autosave:", err)
		return
	}
	log.Printf("autosave: wrote %d frames to %s\n", len(frames), fn)
}

// sessionHooks combines everything that runs once per session
func sessionHooks(fns ...func(xspress3.Summary)) func(xspress3.Summary) {
	return func(s xspress3.Summary) {
		for _, fn := range fns {
			fn(s)
		}
	}
}

func run(cfg config) {
	c, err := openCamera(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	w := xspress3.NewHTTPWrapper(c)
	rec := imgrec.New(cfg.Recorder.Root, cfg.Recorder.Prefix, cfg.Recorder.Enabled)
	imgrec.NewHTTPWrapper(rec).Inject(w)
	hooks := []func(xspress3.Summary){func(s xspress3.Summary) { saveCube(w, rec, s) }}

	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal)
		if err != nil {
			log.Fatal(err)
		}
		defer j.Close()
		journal.HTTPWrapper{Journal: j}.Inject(w)
		hooks = append(hooks, func(s xspress3.Summary) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := j.Record(ctx, s); err != nil {
				log.Println("journal:", err)
			}
		})
	}

	if cfg.Telemetry.Broker != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		tel, err := telemetry.Connect(ctx, cfg.Telemetry)
		cancel()
		if err != nil {
			log.Println(err, "- continuing without telemetry")
		} else {
			defer tel.Close()
			c.Store().Subscribe(tel.FrameReady)
			hooks = append(hooks, tel.SessionEnded)
		}
	}
	c.OnSessionEnd(sessionHooks(hooks...))

	lock := locker.New(c.IsRunning)
	locker.Inject(w, lock)

	hndlrS := generichttp.SubMuxSanitize(cfg.Root)
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	mux := chi.NewRouter()
	mux.Use(lock.Check)
	w.RT().Bind(mux)
	root.Mount(hndlrS, mux)
	addr := cfg.Addr + cfg.Root
	log.Println("now listening for requests at ", addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, root))
}

// acquire runs one session in the foreground with a spinner showing progress
func acquire(cfg config) error {
	c, err := openCamera(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " acquiring",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	if err = c.PrepareAcq(); err != nil {
		return err
	}
	if err = c.StartAcq(); err != nil {
		return err
	}
	spinner.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				acq, drained, req := c.Counters()
				spinner.Message(fmt.Sprintf("%d/%d acquired, %d read out", acq, req, drained))
			}
		}
	}()

	s, err := c.Wait(ctx)
	cancel()
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(fmt.Sprintf("%d frames in %v", s.Drained, s.Finished.Sub(s.Started).Round(time.Millisecond)))
	spinner.Stop()

	rec := imgrec.New(cfg.Recorder.Root, cfg.Recorder.Prefix, true)
	saveCube(xspress3.NewHTTPWrapper(c), rec, s)
	return nil
}
