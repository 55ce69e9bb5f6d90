package session

import (
	"context"
	"sync"

	"github.com/keycard-hq/keycard-core/pkg/commandset"
)

// mockCommandSet is the in-memory stand-in for commandset.CommandSet used
// by the property tests in session_test.go (spec §8 properties 2-4): it
// records every call in order and lets a test script canned responses.
type mockCommandSet struct {
	mu    sync.Mutex
	calls []string

	selectInfo commandset.ApplicationInfo
	selectErr  error
	pairInfo   *commandset.PairingInfo
	pairErr    error
	openErr    error
	statusErr  error
	status     *commandset.ApplicationStatus
	getDataErr error
	getData    []byte

	// onCall, when set, runs after each recorded call, letting tests pause
	// inside a call to assert no other call can run concurrently
	// (property 4, mutual exclusion).
	onCall func(name string)
}

func (m *mockCommandSet) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	cb := m.onCall
	m.mu.Unlock()
	if cb != nil {
		cb(name)
	}
}

func (m *mockCommandSet) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockCommandSet) Select(ctx context.Context) (commandset.ApplicationInfo, error) {
	m.record("SELECT")
	return m.selectInfo, m.selectErr
}

func (m *mockCommandSet) SetPairing(p *commandset.PairingInfo) {
	m.record("SET_PAIRING")
	m.pairInfo = p
}

func (m *mockCommandSet) Pair(ctx context.Context, pairingPassword string) (*commandset.PairingInfo, error) {
	m.record("PAIR")
	if m.pairErr != nil {
		return nil, m.pairErr
	}
	if m.pairInfo == nil {
		m.pairInfo = &commandset.PairingInfo{Key: make([]byte, 32), Index: 0}
	}
	return m.pairInfo, nil
}

func (m *mockCommandSet) OpenSecureChannel(ctx context.Context) error {
	m.record("OPEN_SECURE_CHANNEL")
	return m.openErr
}

func (m *mockCommandSet) GetStatusApplication(ctx context.Context) (*commandset.ApplicationStatus, error) {
	m.record("GET_STATUS")
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	if m.status == nil {
		m.status = commandset.NewUnknownApplicationStatus()
	}
	return m.status, nil
}

func (m *mockCommandSet) GetKeyPathStatus(ctx context.Context) (*commandset.ApplicationStatus, error) {
	m.record("GET_STATUS_KEY_PATH")
	return m.status, m.statusErr
}

func (m *mockCommandSet) VerifyPIN(ctx context.Context, pin string) error {
	m.record("VERIFY_PIN")
	return nil
}

func (m *mockCommandSet) ChangePIN(ctx context.Context, pin string) error {
	m.record("CHANGE_PIN")
	return nil
}

func (m *mockCommandSet) ChangePUK(ctx context.Context, puk string) error {
	m.record("CHANGE_PUK")
	return nil
}

func (m *mockCommandSet) UnblockPIN(ctx context.Context, puk, newPIN string) error {
	m.record("UNBLOCK_PIN")
	return nil
}

func (m *mockCommandSet) ChangePairingSecret(ctx context.Context, newPairingPassword string) error {
	m.record("CHANGE_PAIRING_SECRET")
	return nil
}

func (m *mockCommandSet) Init(ctx context.Context, pin, puk, pairingPassword string) error {
	m.record("INIT")
	return nil
}

func (m *mockCommandSet) FactoryReset(ctx context.Context) error {
	m.record("FACTORY_RESET")
	return nil
}

func (m *mockCommandSet) GenerateMnemonic(ctx context.Context, checksumSize int) ([]int, error) {
	m.record("GENERATE_MNEMONIC")
	return nil, nil
}

func (m *mockCommandSet) LoadSeed(ctx context.Context, seed []byte) ([]byte, error) {
	m.record("LOAD_SEED")
	return []byte{0xde, 0xad, 0xbe, 0xef}, nil
}

func (m *mockCommandSet) ExportKey(ctx context.Context, derive, makeCurrent, onlyPublic bool, path string) (*commandset.KeyPair, error) {
	m.record("EXPORT_KEY")
	return &commandset.KeyPair{}, nil
}

func (m *mockCommandSet) ExportKeyExtended(ctx context.Context, derive, makeCurrent bool, path string) (*commandset.KeyPair, error) {
	m.record("EXPORT_KEY_EXTENDED")
	return &commandset.KeyPair{}, nil
}

func (m *mockCommandSet) SignWithPath(ctx context.Context, hash []byte, path string) (*commandset.Signature, error) {
	m.record("SIGN")
	return &commandset.Signature{}, nil
}

func (m *mockCommandSet) RemoveKey(ctx context.Context) error {
	m.record("REMOVE_KEY")
	return nil
}

func (m *mockCommandSet) Unpair(ctx context.Context, index uint8) error {
	m.record("UNPAIR")
	return nil
}

func (m *mockCommandSet) StoreData(ctx context.Context, typ uint8, data []byte) error {
	m.record("STORE_DATA")
	return nil
}

func (m *mockCommandSet) GetData(ctx context.Context, typ uint8) ([]byte, error) {
	m.record("GET_DATA")
	if m.getDataErr != nil {
		return nil, m.getDataErr
	}
	return m.getData, nil
}
