package license

import (
	"log/slog"
	"time"
)

// Options are shared by entities, licenses and inspectors.
type Options struct {
	// Now is the clock used by time-based inspectors. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) nowUTC() time.Time { return o.Now().UTC() }
