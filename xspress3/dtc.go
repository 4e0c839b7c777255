package xspress3

// ChannelParams are the dead time correction parameters of one channel
type ChannelParams struct {
	AllEventGradient float64 `json:"allEventGradient" yaml:"AllEventGradient" koanf:"AllEventGradient"`
	AllEventOffset   float64 `json:"allEventOffset" yaml:"AllEventOffset" koanf:"AllEventOffset"`
	InWindowGradient float64 `json:"inWindowGradient" yaml:"InWindowGradient" koanf:"InWindowGradient"`
	InWindowOffset   float64 `json:"inWindowOffset" yaml:"InWindowOffset" koanf:"InWindowOffset"`

	// UseGoodEvent puts the all event equivalent in the AllGood slot
	// instead of AllEvent
	UseGoodEvent bool `json:"useGoodEvent" yaml:"UseGoodEvent" koanf:"UseGoodEvent"`

	// OmitChannel leaves the channel uncorrected
	OmitChannel bool `json:"omitChannel" yaml:"OmitChannel" koanf:"OmitChannel"`
}

// CorrectScalers applies dead time correction to one channel's raw scaler
// block.  factor and allEvent come from the device for the same block.
// The in-window counts are scaled by factor and allEvent replaces the
// AllEvent slot, or the AllGood slot when p.UseGoodEvent is set.
func CorrectScalers(raw []uint32, factor, allEvent float64, p ChannelParams) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = float64(v)
	}
	if p.OmitChannel {
		return out
	}
	for i, v := range raw {
		switch Scaler(i) {
		case InWindow0, InWindow1:
			out[i] = float64(v) * factor
		case AllEvent:
			if !p.UseGoodEvent {
				out[i] = allEvent
			}
		case AllGood:
			if p.UseGoodEvent {
				out[i] = allEvent
			}
		}
	}
	return out
}

// CorrectHistogram multiplies every bin by factor
func CorrectHistogram(raw []uint32, factor float64, p ChannelParams) []float64 {
	out := make([]float64, len(raw))
	if p.OmitChannel {
		factor = 1
	}
	for i, v := range raw {
		out[i] = float64(v) * factor
	}
	return out
}

// DeadtimeStats returns the dead time as a percentage of the elapsed time and
// the factor that corrects for it.  eventWidth is the channel's event time in
// clock ticks.  Nothing is clamped: a zero elapsed time or a dead time at or
// beyond the elapsed time gives non-finite or negative values.
func DeadtimeStats(elapsed, resetTicks, allEvent float64, eventWidth int) (percent, factor float64) {
	dead := allEvent*float64(eventWidth+1) + resetTicks
	return 100 * dead / elapsed, elapsed / (elapsed - dead)
}
