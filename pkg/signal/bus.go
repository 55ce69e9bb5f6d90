// Package signal implements the fan-out sink described in spec §4.6: a
// single callback that receives one structured event per state transition,
// flow pause, or flow result. The outer application supplies the callback;
// setting it to nil drops events without error.
package signal

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Envelope is the structured payload delivered to the callback. Type is one
// of the kebab-case tags from spec §4.4 (or "status-changed" for the
// session facade); Payload carries the per-tag fields.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Callback receives one JSON-encoded Envelope per call. It must not block
// for long: it runs on whatever goroutine emitted the signal (the flow
// worker, the session's background connect task, or the channel's
// detection thread).
type Callback func(jsonEnvelope string)

// Bus is an instantiable signal sink. The zero value is ready to use with
// no callback installed (Send is then a no-op). Session and flow.Engine
// each take a *Bus so tests can create fresh, isolated instances instead of
// sharing process-wide state.
type Bus struct {
	callback Callback
	logger   *zap.Logger
}

// New returns a Bus with no callback installed.
func New() *Bus {
	return &Bus{logger: zap.L().Named("signal")}
}

// SetCallback installs cb as the sink for all future Send calls. Passing
// nil is legal and causes events to be dropped silently.
func (b *Bus) SetCallback(cb Callback) {
	b.callback = cb
}

// Send marshals typ/payload into an Envelope and delivers it to the
// installed callback, if any. Marshal failures are logged and swallowed —
// a signal that can't be encoded must not take down the caller's flow or
// session transition.
func (b *Bus) Send(typ string, payload interface{}) {
	if b.callback == nil {
		return
	}

	encoded, err := json.Marshal(Envelope{Type: typ, Payload: payload})
	if err != nil {
		if b.logger != nil {
			b.logger.Error("failed to encode signal", zap.String("type", typ), zap.Error(err))
		}
		return
	}

	b.callback(string(encoded))
}
