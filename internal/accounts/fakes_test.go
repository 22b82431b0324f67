package accounts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

type fakeSocket struct {
	events chan Event

	mu          sync.Mutex
	closed      bool
	connectErr  error
	registered  bool
	pairingCode string
	pairingErr  error
	pairedPhone string
	sendID      string
	sendErr     error
	sent        []MessageContent
	logouts     int
	closes      int
	identity    DeviceIdentity
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan Event, 32), sendID: "MSG-1"}
}

func (s *fakeSocket) Events() <-chan Event { return s.events }

func (s *fakeSocket) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectErr
}

func (s *fakeSocket) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *fakeSocket) RequestPairingCode(_ context.Context, phone string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairedPhone = phone
	return s.pairingCode, s.pairingErr
}

func (s *fakeSocket) SendMessage(_ context.Context, _ string, content MessageContent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, content)
	return s.sendID, s.sendErr
}

func (s *fakeSocket) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSocket) Identity() DeviceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// push delivers an event unless the socket is already closed.
func (s *fakeSocket) push(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- evt
	}
}

func (s *fakeSocket) counts() (logouts, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts, s.closes
}

type fakeFactory struct {
	mu      sync.Mutex
	opened  map[string][]*fakeSocket
	prepare func(s *fakeSocket)
	openErr map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{opened: map[string][]*fakeSocket{}, openErr: map[string]error{}}
}

func (f *fakeFactory) Open(_ context.Context, cfg SocketConfig) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[cfg.AccountID]; err != nil {
		return nil, err
	}
	s := newFakeSocket()
	if f.prepare != nil {
		f.prepare(s)
	}
	f.opened[cfg.AccountID] = append(f.opened[cfg.AccountID], s)
	return s, nil
}

func (f *fakeFactory) sockets(id string) []*fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSocket(nil), f.opened[id]...)
}

func (f *fakeFactory) last(t *testing.T, id string) *fakeSocket {
	t.Helper()
	socks := f.sockets(id)
	require.NotEmpty(t, socks, "no socket opened for %s", id)
	return socks[len(socks)-1]
}

func (f *fakeFactory) failOpen(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[id] = err
}

type sentWebhook struct {
	URL     string
	Payload WebhookPayload
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentWebhook
}

func (n *recordingNotifier) Notify(url string, p WebhookPayload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentWebhook{URL: url, Payload: p})
}

func (n *recordingNotifier) byEvent(event string) []WebhookPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []WebhookPayload
	for _, s := range n.sent {
		if s.Payload.Event == event {
			out = append(out, s.Payload)
		}
	}
	return out
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(typ string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, typ)
}

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == typ {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	mu      sync.Mutex
	reasons []string
}

func (a *recordingAlerter) AccountLost(_, _, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasons = append(a.reasons, reason)
}

type harness struct {
	m        *Manager
	factory  *fakeFactory
	sessions *store.Sessions
	history  *store.History
	hooks    *recordingNotifier
	bus      *recordingPublisher
	alerts   *recordingAlerter
}

func testOptions() Options {
	return Options{
		DefaultCountryCode: "91",
		PendingQRTimeout:   time.Hour,
		ScanTimeout:        time.Hour,
		ConnectTimeout:     5 * time.Second,
		Backoff: BackoffPolicy{
			Default:       20 * time.Millisecond,
			RateLimitBase: 20 * time.Millisecond,
			RateLimitMax:  80 * time.Millisecond,
			Network:       20 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()

	opts := testOptions()
	for _, fn := range mutate {
		fn(&opts)
	}

	root := t.TempDir()
	sessions, err := store.NewSessions(root)
	require.NoError(t, err)

	h := &harness{
		factory:  newFakeFactory(),
		sessions: sessions,
		history:  store.OpenHistory(root+"/"+store.HistoryFile, 0),
		hooks:    &recordingNotifier{},
		bus:      &recordingPublisher{},
		alerts:   &recordingAlerter{},
	}
	h.m = New(Deps{
		Sockets:  h.factory,
		Sessions: h.sessions,
		History:  h.history,
		Webhooks: h.hooks,
		Events:   h.bus,
		Alerts:   h.alerts,
	}, opts)
	t.Cleanup(func() { h.m.Shutdown(context.Background()) })
	return h
}

func (h *harness) create(t *testing.T, req CreateAccountRequest) *Account {
	t.Helper()
	acc, err := h.m.CreateAccount(context.Background(), req)
	require.NoError(t, err)
	return acc
}

func (h *harness) status(id string) Status {
	acc, ok := h.m.GetAccount(id)
	if !ok {
		return ""
	}
	return acc.Status
}

// open drives an account to connected through its current socket.
func (h *harness) open(t *testing.T, id, jid string) *fakeSocket {
	t.Helper()
	sock := h.factory.last(t, id)
	sock.mu.Lock()
	sock.identity = DeviceIdentity{JID: jid, PushName: "Asha", Platform: "android"}
	sock.mu.Unlock()
	sock.push(ConnectionUpdate{Connection: ConnectionOpen})
	require.Eventually(t, func() bool { return h.status(id) == StatusConnected }, 2*time.Second, 5*time.Millisecond)
	return sock
}

// flush waits until every event pushed to sock before the call was handled.
func (h *harness) flush(t *testing.T, sock *fakeSocket) {
	t.Helper()
	before := h.bus.count(EventMessageUpdate)
	sock.push(MessagesUpdate{Updates: []MessageStatusUpdate{{MessageIDs: []string{"flush"}, Status: "read"}}})
	require.Eventually(t, func() bool { return h.bus.count(EventMessageUpdate) > before }, waitFor, tick)
}

var errBoom = errors.New("boom")

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
