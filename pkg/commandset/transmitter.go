package commandset

import (
	"context"
	"sync"

	"github.com/keycard-hq/keycard-core/pkg/channel"
)

// cardTransmitter adapts our channel.Channel (context-aware Transmit) to the
// out-of-scope codec's io.Transmitter shape (Transmit([]byte) ([]byte,
// error)), so io.NewNormalChannel can wrap it into a types.Channel. The
// codec's CommandSet is stateful (secure channel session keys, pairing
// info) and must be reused across an entire card connection, so instead of
// rebuilding it per call we swap the context the transmitter forwards to
// before each operation.
type cardTransmitter struct {
	mu  sync.Mutex
	ctx context.Context
	ch  channel.Channel
}

func newCardTransmitter(ch channel.Channel) *cardTransmitter {
	return &cardTransmitter{ctx: context.Background(), ch: ch}
}

func (t *cardTransmitter) setContext(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()
}

func (t *cardTransmitter) Transmit(apdu []byte) ([]byte, error) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	return t.ch.Transmit(ctx, apdu)
}
