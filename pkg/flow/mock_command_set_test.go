package flow

import (
	"context"
	"sync"

	"github.com/keycard-hq/keycard-core/pkg/commandset"
)

type mockCommandSet struct {
	mu    sync.Mutex
	calls []string

	selectInfo commandset.ApplicationInfo
	selectErr  error
	pairErr    error
	openErr    error
	status     *commandset.ApplicationStatus
	statusErr  error

	factoryResetErr error
	verifyPINErr    error
	verifyPINCalls  []string
	getDataErr      error
	getData         []byte
}

func (m *mockCommandSet) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
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

func (m *mockCommandSet) SetPairing(p *commandset.PairingInfo) { m.record("SET_PAIRING") }

func (m *mockCommandSet) Pair(ctx context.Context, pairingPassword string) (*commandset.PairingInfo, error) {
	m.record("PAIR")
	if m.pairErr != nil {
		return nil, m.pairErr
	}
	return &commandset.PairingInfo{Key: make([]byte, 32), Index: 0}, nil
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

func (m *mockCommandSet) VerifyPIN(ctx context.Context, pin string) error {
	m.mu.Lock()
	m.verifyPINCalls = append(m.verifyPINCalls, pin)
	m.mu.Unlock()
	m.record("VERIFY_PIN")
	return m.verifyPINErr
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
	return m.factoryResetErr
}

func (m *mockCommandSet) GenerateMnemonic(ctx context.Context, checksumSize int) ([]int, error) {
	m.record("GENERATE_MNEMONIC")
	return []int{1, 2, 3, 4}, nil
}

func (m *mockCommandSet) LoadSeed(ctx context.Context, seed []byte) ([]byte, error) {
	m.record("LOAD_SEED")
	return []byte{0xde, 0xad}, nil
}

func (m *mockCommandSet) ExportKey(ctx context.Context, derive, makeCurrent, onlyPublic bool, path string) (*commandset.KeyPair, error) {
	m.record("EXPORT_KEY:" + path)
	return &commandset.KeyPair{}, nil
}

func (m *mockCommandSet) ExportKeyExtended(ctx context.Context, derive, makeCurrent bool, path string) (*commandset.KeyPair, error) {
	m.record("EXPORT_KEY_EXTENDED:" + path)
	return &commandset.KeyPair{}, nil
}

func (m *mockCommandSet) SignWithPath(ctx context.Context, hash []byte, path string) (*commandset.Signature, error) {
	m.record("SIGN")
	return &commandset.Signature{}, nil
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
