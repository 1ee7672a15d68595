package realtime

import (
	"fmt"
	"time"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// Options configure a recognition session. They are copied when the session is
// created and never change afterwards.
type Options struct {
	Model      string
	SampleRate int
	Format     string   // e.g. "pcm"
	Languages  []string // e.g. ["zh", "en"]

	StartTimeout time.Duration // ready watchdog, DefaultStartTimeout when zero
	StopTimeout  time.Duration // finished watchdog, DefaultStopTimeout when zero
}

// Validate validates session options
func (o Options) Validate() error {
	if o.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if o.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", o.SampleRate)
	}
	if o.Format == "" {
		return fmt.Errorf("format cannot be empty")
	}
	if o.StartTimeout < 0 || o.StopTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.StartTimeout == 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	o.Languages = append([]string(nil), o.Languages...)
	return o
}
