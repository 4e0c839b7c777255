package xspress3

import (
	"fmt"
	"sort"
	"strings"
)

// SDKOptions are the connection parameters of a real detector system
type SDKOptions struct {
	// Cards is the number of boards in the system
	Cards int `yaml:"Cards" koanf:"Cards"`

	// MaxFrames is the number of frames of histogram memory to allocate
	MaxFrames int `yaml:"MaxFrames" koanf:"MaxFrames"`

	// BaseIP is the address of the first card
	BaseIP string `yaml:"BaseIP" koanf:"BaseIP"`

	// BasePort is the UDP port of the first card, -1 for the default
	BasePort int `yaml:"BasePort" koanf:"BasePort"`

	// BaseMAC is the MAC address of the first card
	BaseMAC string `yaml:"BaseMAC" koanf:"BaseMAC"`

	// Channels is the number of channels to use, -1 for all
	Channels int `yaml:"Channels" koanf:"Channels"`

	// Card is the index of the card histogramming is controlled through
	Card int `yaml:"Card" koanf:"Card"`

	Debug int `yaml:"Debug" koanf:"Debug"`
}

// OpenOptions selects and parameterises a device
type OpenOptions struct {
	// Kind is "mock" or "sdk".  "sdk" is only available in binaries built
	// with the xsp3sdk tag.
	Kind string `yaml:"Kind" koanf:"Kind"`

	Channels int `yaml:"Channels" koanf:"Channels"`
	Bins     int `yaml:"Bins" koanf:"Bins"`

	SDK SDKOptions `yaml:"SDK" koanf:"SDK"`
}

var openers = map[string]func(OpenOptions) (Device, error){
	"mock": func(o OpenOptions) (Device, error) {
		return NewMock(o.Channels, o.Bins), nil
	},
}

// Open connects to the device described by o
func Open(o OpenOptions) (Device, error) {
	fn, ok := openers[strings.ToLower(o.Kind)]
	if !ok {
		kinds := make([]string, 0, len(openers))
		for k := range openers {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		return nil, fmt.Errorf("unknown device kind %q, available: %s", o.Kind, strings.Join(kinds, ", "))
	}
	return fn(o)
}
