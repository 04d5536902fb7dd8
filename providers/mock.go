package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"scmauthd/core"
)

const (
	ProviderMock core.Provider = "mock"
)

// Predefined test authorization code
const ValidCode = "mock_auth_code"

var DefaultMockScopes = []string{"repo"}

// MockProbe is a test implementation of ProviderAPIProbe. Tokens are valid
// once accepted; queued errors are returned before anything else.
type MockProbe struct {
	provider core.Provider

	mu           sync.Mutex
	accepted     map[string]*core.ProviderIdentity
	validateErrs []error
	userDataErrs []error
	validateGate chan struct{}

	// track method calls for verification
	ValidateCalls    atomic.Int32
	GetUserDataCalls atomic.Int32
}

func NewMockProbe(provider core.Provider) *MockProbe {
	return &MockProbe{
		provider: provider,
		accepted: make(map[string]*core.ProviderIdentity),
	}
}

func (m *MockProbe) Accept(value string, identity *core.ProviderIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted[value] = identity
}

func (m *MockProbe) Reject(value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accepted, value)
}

func (m *MockProbe) FailValidate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validateErrs = append(m.validateErrs, errs...)
}

func (m *MockProbe) FailUserData(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userDataErrs = append(m.userDataErrs, errs...)
}

// BlockValidate holds every Validate until release is called.
func (m *MockProbe) BlockValidate() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.validateGate = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.validateGate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

func (m *MockProbe) Validate(ctx context.Context, token *core.Token) (bool, error) {
	m.ValidateCalls.Add(1)

	m.mu.Lock()
	gate := m.validateGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.validateErrs) > 0 {
		err := m.validateErrs[0]
		m.validateErrs = m.validateErrs[1:]
		return false, err
	}
	_, ok := m.accepted[token.Value]
	return ok, nil
}

func (m *MockProbe) GetUserData(ctx context.Context, token *core.Token) (*core.ProviderIdentity, error) {
	m.GetUserDataCalls.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.userDataErrs) > 0 {
		err := m.userDataErrs[0]
		m.userDataErrs = m.userDataErrs[1:]
		return nil, err
	}
	identity, ok := m.accepted[token.Value]
	if !ok {
		return nil, core.ErrUnauthorized
	}
	clone := *identity
	return &clone, nil
}

func (m *MockProbe) Provider() core.Provider {
	return m.provider
}

type mockResult struct {
	token *core.Token
	err   error
}

// MockExchanger is a test implementation of OAuthExchanger and ConsentFlow.
// Without queued results it mints a new one-hour token per call and makes
// the paired probe accept it.
type MockExchanger struct {
	provider core.Provider
	probe    *MockProbe

	mu      sync.Mutex
	queue   []mockResult
	gates   map[string]chan struct{}
	minted  int
	granted map[string]bool

	// track method calls for verification
	ExchangeCalls atomic.Int32
	ForgetCalls   atomic.Int32
}

func NewMockExchanger(provider core.Provider, probe *MockProbe) *MockExchanger {
	return &MockExchanger{
		provider: provider,
		probe:    probe,
		gates:    make(map[string]chan struct{}),
		granted:  make(map[string]bool),
	}
}

func (m *MockExchanger) QueueToken(token *core.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResult{token: token})
}

func (m *MockExchanger) QueueError(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, err := range errs {
		m.queue = append(m.queue, mockResult{err: err})
	}
}

// Block holds every Exchange for userID until release is called.
func (m *MockExchanger) Block(userID string) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[userID] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.gates, userID)
			m.mu.Unlock()
			close(gate)
		})
	}
}

func (m *MockExchanger) Exchange(ctx context.Context, userID string) (*core.Token, error) {
	m.ExchangeCalls.Add(1)

	m.mu.Lock()
	gate := m.gates[userID]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		if next.err != nil {
			return nil, next.err
		}
		return next.token.Clone(), nil
	}

	m.minted++
	expiresAt := time.Now().Add(time.Hour).UTC()
	token := &core.Token{
		Value:     fmt.Sprintf("mock_pat_%s_%d", userID, m.minted),
		Scopes:    DefaultMockScopes,
		ExpiresAt: &expiresAt,
	}
	if m.probe != nil {
		m.probe.Accept(token.Value, MockIdentity(userID))
	}
	return token, nil
}

func (m *MockExchanger) ForgetGrant(ctx context.Context, userID string) error {
	m.ForgetCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.granted, userID)
	return nil
}

func (m *MockExchanger) AuthCodeURL(state string) string {
	return "https://mock.test/authorize?state=" + url.QueryEscape(state)
}

func (m *MockExchanger) CompleteConsent(ctx context.Context, userID, code string) error {
	if code != ValidCode {
		return errors.New("mock: invalid authorization code")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted[userID] = true
	return nil
}

func (m *MockExchanger) Granted(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[userID]
}

func (m *MockExchanger) Scopes() []string {
	return DefaultMockScopes
}

func (m *MockExchanger) Provider() core.Provider {
	return m.provider
}

// MockIdentity is what the mock probe reports for tokens minted for userID.
func MockIdentity(userID string) *core.ProviderIdentity {
	return &core.ProviderIdentity{
		RemoteUserID: "remote_" + userID,
		Login:        userID,
		Name:         "Mock " + userID,
		Email:        userID + "@mock.test",
		Scopes:       DefaultMockScopes,
	}
}
