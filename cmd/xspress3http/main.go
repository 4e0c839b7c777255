package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.jpl.nasa.gov/bdube/xspress/telemetry"
	"github.jpl.nasa.gov/bdube/xspress/xspress3"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "xspress3-http.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `yaml:"Root" koanf:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix" koanf:"Prefix"`

	// Enabled turns on writing a FITS cube after every session
	Enabled bool `yaml:"Enabled" koanf:"Enabled"`
}

type settings struct {
	TrigMode string  `yaml:"TrigMode" koanf:"TrigMode"`
	Exposure float64 `yaml:"Exposure" koanf:"Exposure"`
	Frames   int     `yaml:"Frames" koanf:"Frames"`
	UseDtc   bool    `yaml:"UseDtc" koanf:"UseDtc"`
	Clear    bool    `yaml:"Clear" koanf:"Clear"`

	// Deadtime holds per channel correction parameters, in channel order
	Deadtime []xspress3.ChannelParams `yaml:"Deadtime" koanf:"Deadtime"`

	// DeadtimeEnergy is the energy in keV the dead time calculation assumes.
	// Zero keeps the device's own value.
	DeadtimeEnergy float64 `yaml:"DeadtimeEnergy" koanf:"DeadtimeEnergy"`
}

type config struct {
	Addr      string               `yaml:"Addr" koanf:"Addr"`
	Root      string               `yaml:"Root" koanf:"Root"`
	Device    xspress3.OpenOptions `yaml:"Device" koanf:"Device"`
	Pipeline  xspress3.Config      `yaml:"Pipeline" koanf:"Pipeline"`
	Bootup    settings             `yaml:"Bootup" koanf:"Bootup"`
	Recorder  recorder             `yaml:"Recorder" koanf:"Recorder"`
	Journal   string               `yaml:"Journal" koanf:"Journal"`
	Telemetry telemetry.Config     `yaml:"Telemetry" koanf:"Telemetry"`
}

func setupconfig() {
	k.Load(structs.Provider(config{
		Addr: ":8000",
		Root: "/",
		Device: xspress3.OpenOptions{
			Kind:     "mock",
			Channels: 4,
			Bins:     xspress3.DefaultBins,
			SDK: xspress3.SDKOptions{
				Cards:     1,
				MaxFrames: 16384,
				BaseIP:    "192.168.0.1",
				BasePort:  -1,
				Channels:  -1,
			},
		},
		Pipeline: xspress3.Config{
			Buffers:      64,
			PollInterval: xspress3.DefaultPollInterval,
		},
		Bootup: settings{
			TrigMode: "IntTrig",
			Exposure: 1,
			Frames:   1,
		},
		Recorder: recorder{Prefix: "xsp3_"},
		Journal:  "xspress3-sessions.db",
		Telemetry: telemetry.Config{
			ClientID:  "xspress3-http",
			Topic:     "xspress3",
			QoS:       1,
			FrameRate: 2,
			Timeout:   2 * time.Second,
		}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `xspress3-http exposes control of Xspress3 spectroscopy detectors over HTTP

Usage:
	xspress3-http <command>

Commands:
	run
	acquire [frames]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `xspress3-http is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.

Device.Kind selects the hardware.  "mock" simulates a system with Device.Channels
channels and Device.Bins bins and needs nothing connected.  "sdk" talks to real cards
through the vendor library and is only present in binaries built with -tags xsp3sdk.

Bootup holds the settings applied before the server starts listening.  Deadtime is a
list of correction parameters, one per channel starting at channel 0; channels left
out keep the parameters the device already holds.  DeadtimeEnergy, in keV, is loaded
into the device when nonzero.

While a session runs, every request that would change state is refused with 423 (locked),
except /stop and /lock.

With Recorder.Enabled, a FITS cube of the session is written below Recorder.Root in a
folder per day after every session.  Journal is the path of an SQLite database that
keeps one row per session; leave it empty to disable.  Telemetry.Broker is an MQTT broker
address such as tcp://localhost:1883; leave it empty to disable.

The acquire command runs one session with the bootup settings and no server,
printing progress to the terminal.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("xspress3-http version %v\n", Version)
}

func loadconfig() config {
	cfg := config{}
	if err := k.Unmarshal("", &cfg); err != nil {
		log.Fatal(err)
	}
	return cfg
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run(loadconfig())
		return
	case "acquire":
		cfg := loadconfig()
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				log.Fatalf("frame count %q is not an integer", args[2])
			}
			cfg.Bootup.Frames = n
		}
		if err := acquire(cfg); err != nil {
			log.Fatal(err)
		}
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
