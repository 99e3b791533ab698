package connection

import (
	"log/slog"
	"time"

	"commlink/internal/protocol"

	"golang.org/x/time/rate"
)

const DefaultWriteTimeout = 10 * time.Second

// Options configures a Connection. The zero value is usable but does not
// retain messages; DefaultOptions is what most callers want.
type Options struct {
	Name           string        // component label attached to every log line
	KeepMessages   bool          // retain sent/received messages for reply correlation
	Logger         *slog.Logger  // nil disables logging
	Negotiator     Negotiator    // handshake strategy, consulted until Accepted
	RateLimit      rate.Limit    // inbound records per second, 0 disables limiting
	RateBurst      int           // burst for RateLimit
	MaxMessageSize int           // 0 means protocol.MaxMessageSize
	ReadTimeout    time.Duration // idle read timeout, 0 waits forever
	WriteTimeout   time.Duration // per-record write deadline, 0 disables
}

func DefaultOptions() Options {
	return Options{
		Name:           "connection",
		KeepMessages:   true,
		MaxMessageSize: protocol.MaxMessageSize,
		WriteTimeout:   DefaultWriteTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "connection"
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = protocol.MaxMessageSize
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit) * 2
		if o.RateBurst < 1 {
			o.RateBurst = 1
		}
	}
	return o
}
