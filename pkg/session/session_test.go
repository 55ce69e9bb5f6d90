package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keycard-hq/keycard-core/pkg/channel"
	"github.com/keycard-hq/keycard-core/pkg/commandset"
	"github.com/keycard-hq/keycard-core/pkg/signal"
)

func newTestSession(t *testing.T, mocks func() *mockCommandSet) (*Session, *fakeChannel, *mockCommandSet) {
	t.Helper()

	ch := &fakeChannel{}
	bus := signal.New()
	s := New(ch, bus)

	var current *mockCommandSet
	s.newCommandSet = func(_ channel.Channel) cardCommandSet {
		current = mocks()
		return current
	}

	dir := t.TempDir()
	require.NoError(t, s.Start(dir+"/pairings.json"))

	return s, ch, current
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestConnectSequenceReachesReady exercises the happy-path connect
// procedure (spec §4.3 steps 1-8) against a mock Command Set.
func TestConnectSequenceReachesReady(t *testing.T) {
	var mock *mockCommandSet
	s, ch, _ := newTestSession(t, func() *mockCommandSet {
		mock = &mockCommandSet{
			selectInfo: commandset.ApplicationInfo{
				Installed: true, Initialized: true,
				InstanceUID: []byte{1, 2, 3, 4}, AvailablePairingSlots: 5,
			},
		}
		return mock
	})
	defer s.Stop()

	ch.listener.OnTargetDetected("aabb")

	waitUntil(t, time.Second, func() bool { return s.GetStatus().State == Ready })

	require.Equal(t, []string{"SELECT", "PAIR", "SET_PAIRING", "OPEN_SECURE_CHANNEL", "GET_STATUS", "GET_DATA"}, mock.callLog())
}

// TestCommandSetFreshnessPerInsertion is spec §8 property 2: a fresh
// Command Set is built for every card insertion.
func TestCommandSetFreshnessPerInsertion(t *testing.T) {
	var built int
	ch := &fakeChannel{}
	s := New(ch, signal.New())
	var mocks []*mockCommandSet
	s.newCommandSet = func(_ channel.Channel) cardCommandSet {
		built++
		m := &mockCommandSet{
			selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{1}},
		}
		mocks = append(mocks, m)
		return m
	}
	require.NoError(t, s.Start(t.TempDir()+"/p.json"))
	defer s.Stop()

	ch.listener.OnTargetDetected("uid-1")
	waitUntil(t, time.Second, func() bool { return s.GetStatus().State == Ready })

	ch.listener.OnTargetLost()
	ch.listener.OnTargetDetected("uid-2")
	waitUntil(t, time.Second, func() bool { return s.GetStatus().State == Ready })

	require.Equal(t, 2, built)
}

// TestGetStatusImmediatelyFollowsOpenSecureChannel is spec §8 property 3.
func TestGetStatusImmediatelyFollowsOpenSecureChannel(t *testing.T) {
	var mock *mockCommandSet
	s, ch, _ := newTestSession(t, func() *mockCommandSet {
		mock = &mockCommandSet{
			selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{9}},
		}
		return mock
	})
	defer s.Stop()

	ch.listener.OnTargetDetected("uid")
	waitUntil(t, time.Second, func() bool { return s.GetStatus().State == Ready })

	openIdx, statusIdx := -1, -1
	for i, c := range mock.callLog() {
		if c == "OPEN_SECURE_CHANNEL" {
			openIdx = i
		}
		if c == "GET_STATUS" && statusIdx == -1 {
			statusIdx = i
		}
	}
	require.NotEqual(t, -1, openIdx)
	require.Equal(t, openIdx+1, statusIdx)
}

// TestMutualExclusionAcrossOperations is spec §8 property 4: after
// Authorize, concurrent GetMetadata/ExportKey calls never interleave their
// APDUs.
func TestMutualExclusionAcrossOperations(t *testing.T) {
	var mock *mockCommandSet
	s, ch, _ := newTestSession(t, func() *mockCommandSet {
		mock = &mockCommandSet{
			selectInfo: commandset.ApplicationInfo{Installed: true, Initialized: true, InstanceUID: []byte{3}},
		}
		return mock
	})
	defer s.Stop()

	ch.listener.OnTargetDetected("uid")
	waitUntil(t, time.Second, func() bool { return s.GetStatus().State == Ready })

	require.NoError(t, s.Authorize("123456"))

	inFlight := 0
	maxConcurrent := 0
	var muLocal = make(chan struct{}, 1)
	muLocal <- struct{}{}
	mock.onCall = func(name string) {
		<-muLocal
		inFlight++
		if inFlight > maxConcurrent {
			maxConcurrent = inFlight
		}
		muLocal <- struct{}{}

		time.Sleep(5 * time.Millisecond)

		<-muLocal
		inFlight--
		muLocal <- struct{}{}
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = s.GetMetadata(context.Background())
		done <- struct{}{}
	}()
	go func() {
		_, _ = s.ExportKey(context.Background(), PathWallet, true, true)
		done <- struct{}{}
	}()
	<-done
	<-done

	require.LessOrEqual(t, maxConcurrent, 1)
}

func TestAuthorizeRequiresReady(t *testing.T) {
	s, _, _ := newTestSession(t, func() *mockCommandSet { return &mockCommandSet{} })
	defer s.Stop()

	err := s.Authorize("123456")
	require.ErrorIs(t, err, errWrongState)
}
