package flow

import (
	"context"
	"sync"

	"github.com/keycard-hq/keycard-core/pkg/channel"
)

// fakeChannel is a minimal channel.Channel the flow tests drive directly
// by calling the Listener callbacks.
type fakeChannel struct {
	mu        sync.Mutex
	listener  channel.Listener
	forceScan int
}

func (f *fakeChannel) StartDetection() error { return nil }
func (f *fakeChannel) StopDetection()        {}
func (f *fakeChannel) ForceScan() {
	f.mu.Lock()
	f.forceScan++
	f.mu.Unlock()
}
func (f *fakeChannel) SetUIState(channel.UIState) {}
func (f *fakeChannel) SetListener(l channel.Listener) {
	f.mu.Lock()
	f.listener = l
	f.mu.Unlock()
}
func (f *fakeChannel) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	return nil, nil
}

func (f *fakeChannel) detect(uid string) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnTargetDetected(uid)
}
