package session

import (
	"context"
	"sync"

	"github.com/keycard-hq/keycard-core/pkg/channel"
)

// fakeChannel is a minimal channel.Channel the session tests drive
// directly by calling the Listener callbacks; Transmit is never actually
// exercised here since the fake command sets below never call it.
type fakeChannel struct {
	mu       sync.Mutex
	listener channel.Listener
}

func (f *fakeChannel) StartDetection() error { return nil }
func (f *fakeChannel) StopDetection()        {}
func (f *fakeChannel) ForceScan()            {}
func (f *fakeChannel) SetUIState(channel.UIState) {}
func (f *fakeChannel) SetListener(l channel.Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}
func (f *fakeChannel) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	return nil, nil
}
