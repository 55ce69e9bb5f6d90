package flow

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keycard-hq/keycard-core/pkg/channel"
	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/pairing"
	"github.com/keycard-hq/keycard-core/pkg/signal"
)

// eventRecorder collects signal envelopes from the flow worker goroutine
// under a mutex so the test goroutine can read them safely.
type eventRecorder struct {
	mu   sync.Mutex
	logs []string
}

func (r *eventRecorder) record(env string) {
	r.mu.Lock()
	r.logs = append(r.logs, env)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

func (r *eventRecorder) last() string {
	s := r.snapshot()
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func newTestEngine(t *testing.T, mock *mockCommandSet) (*Engine, *fakeChannel, *eventRecorder) {
	t.Helper()

	ch := &fakeChannel{}
	bus := signal.New()

	events := &eventRecorder{}
	bus.SetCallback(events.record)

	e := New(ch, bus)
	e.newCommandSet = func(_ channel.Channel) cardCommandSet { return mock }

	require.NoError(t, e.Start(t.TempDir()+"/p.json"))
	ch.detect("uid-1")

	return e, ch, events
}

func waitForIdle(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == Idle {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("flow did not reach idle within deadline (state=%s)", e.State())
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("flow did not reach %s within deadline (state=%s)", want, e.State())
}

func lastEventType(raw string) string {
	if raw == "" {
		return ""
	}
	var env struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal([]byte(raw), &env)
	return env.Type
}

func TestGetAppInfoFlowAuthenticatesAndCompletes(t *testing.T) {
	mock := &mockCommandSet{
		selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{1, 2}},
	}
	e, _, events := newTestEngine(t, mock)
	defer e.Stop()

	require.NoError(t, e.pairs.Store("0102", &pairing.Info{Key: make([]byte, 32), Index: 0}))

	require.NoError(t, e.StartFlow(GetAppInfo, Params{KeyPIN: "123456"}))
	waitForIdle(t, e)

	require.Equal(t, SignalFlowResult, lastEventType(events.last()))
	calls := mock.callLog()
	require.Contains(t, calls, "SELECT")
	require.Contains(t, calls, "OPEN_SECURE_CHANNEL")
	require.Contains(t, calls, "VERIFY_PIN")
}

func TestStartFlowRejectsUnknownFlowType(t *testing.T) {
	mock := &mockCommandSet{}
	e, _, _ := newTestEngine(t, mock)
	defer e.Stop()

	err := e.StartFlow(FlowType(9), Params{})
	require.ErrorIs(t, err, errUnknownFlow)
}

func TestStartFlowRejectsWhileAlreadyRunning(t *testing.T) {
	mock := &mockCommandSet{
		selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{3}},
	}
	e, _, _ := newTestEngine(t, mock)
	defer e.Stop()

	require.NoError(t, e.pairs.Store("03", &pairing.Info{Key: make([]byte, 32), Index: 0}))
	require.NoError(t, e.StartFlow(Sign, Params{KeyPIN: "123456"}))

	waitForState(t, e, Paused)
	err := e.StartFlow(GetAppInfo, Params{})
	require.ErrorIs(t, err, errAlreadyRunning)

	require.NoError(t, e.CancelFlow())
}

// TestSignFlowPausesForMissingPathThenResumes exercises pause/resume: the
// flow has no bip44-path param, so it must pause asking for one, then
// complete once resumed with it.
func TestSignFlowPausesForMissingPathThenResumes(t *testing.T) {
	mock := &mockCommandSet{
		selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{4}},
	}
	e, _, events := newTestEngine(t, mock)
	defer e.Stop()

	require.NoError(t, e.pairs.Store("04", &pairing.Info{Key: make([]byte, 32), Index: 0}))

	require.NoError(t, e.StartFlow(Sign, Params{KeyPIN: "123456"}))
	waitForState(t, e, Paused)
	require.Equal(t, SignalEnterPath, lastEventType(events.last()))

	require.NoError(t, e.ResumeFlow(Params{KeyBIP44Path: pathWallet}))
	waitForState(t, e, Paused)
	require.Equal(t, SignalEnterTXHash, lastEventType(events.last()))

	require.NoError(t, e.ResumeFlow(Params{KeyTXHash: "aabbccdd"}))
	waitForIdle(t, e)

	require.Equal(t, SignalFlowResult, lastEventType(events.last()))
	require.Contains(t, mock.callLog(), "SIGN")
}

// TestCancelFlowWhilePausedReturnsToIdle covers spec's cancellation model:
// cancelling a paused flow wakes it and it unwinds to Idle without
// emitting flow-result.
func TestCancelFlowWhilePausedReturnsToIdle(t *testing.T) {
	mock := &mockCommandSet{
		selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{5}},
	}
	e, _, events := newTestEngine(t, mock)
	defer e.Stop()

	require.NoError(t, e.pairs.Store("05", &pairing.Info{Key: make([]byte, 32), Index: 0}))
	require.NoError(t, e.StartFlow(Sign, Params{KeyPIN: "123456"}))
	waitForState(t, e, Paused)

	before := len(events.snapshot())
	require.NoError(t, e.CancelFlow())
	require.Equal(t, Idle, e.State())

	for _, ev := range events.snapshot()[before:] {
		require.False(t, strings.Contains(ev, SignalFlowResult))
	}
}

// TestFactoryResetRestartsTheFlow covers spec §8 property 6: a
// "factory reset": true param causes one restart, clearing the cached
// card snapshot, and the flow proceeds normally afterward.
func TestFactoryResetRestartsTheFlow(t *testing.T) {
	mock := &mockCommandSet{
		selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{6}},
	}
	e, ch, _ := newTestEngine(t, mock)
	defer e.Stop()

	require.NoError(t, e.pairs.Store("06", &pairing.Info{Key: make([]byte, 32), Index: 0}))
	require.NoError(t, e.StartFlow(GetAppInfo, Params{KeyPIN: "123456", KeyFactoryReset: true}))
	waitForIdle(t, e)

	selects := 0
	for _, c := range mock.callLog() {
		if c == "SELECT" {
			selects++
		}
	}
	require.GreaterOrEqual(t, selects, 2, "expected a re-SELECT after the factory-reset restart")
	require.GreaterOrEqual(t, ch.forceScan, 1)
}
