package accounts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

// Options holds the lifecycle timings and policies of a Manager.
type Options struct {
	DefaultCountryCode string
	CreateCooldown     time.Duration
	PendingQRTimeout   time.Duration
	ScanTimeout        time.Duration
	LogoutFlushDelay   time.Duration
	ConnectTimeout     time.Duration
	Backoff            BackoffPolicy
}

func DefaultOptions() Options {
	return Options{
		DefaultCountryCode: "91",
		CreateCooldown:     30 * time.Second,
		PendingQRTimeout:   50 * time.Second,
		ScanTimeout:        120 * time.Second,
		LogoutFlushDelay:   2 * time.Second,
		ConnectTimeout:     60 * time.Second,
		Backoff:            DefaultBackoff(),
	}
}

// Deps are the collaborators of a Manager. Webhooks, Events and Alerts are optional.
type Deps struct {
	Sockets  SocketFactory
	Sessions SessionStore
	History  HistoryStore
	Webhooks Notifier
	Events   Publisher
	Alerts   Alerter
}

// Manager is the registry of live accounts. It owns every account's socket and
// timers and mediates all state transitions.
type Manager struct {
	opts     Options
	sockets  SocketFactory
	sessions SessionStore
	history  HistoryStore
	webhooks Notifier
	events   Publisher
	alerts   Alerter
	inbox    *Inbox
	limiter  *rate.Limiter
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	accounts map[string]*entry
	nextGen  uint64
	closed   bool
}

// entry is the registry record of one account. Every field is guarded by Manager.mu.
type entry struct {
	Account

	socket    Socket
	gen       uint64 // generation of socket; events carrying another value are stale
	closing   bool
	qr        qrTimer
	reconnect reconnectTimer
}

func New(deps Deps, opts Options) *Manager {
	limit := rate.Inf
	if opts.CreateCooldown > 0 {
		limit = rate.Every(opts.CreateCooldown)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		opts:     opts,
		sockets:  deps.Sockets,
		sessions: deps.Sessions,
		history:  deps.History,
		webhooks: deps.Webhooks,
		events:   deps.Events,
		alerts:   deps.Alerts,
		inbox:    NewInbox(),
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		accounts: make(map[string]*entry),
	}
	if m.webhooks == nil {
		m.webhooks = nopNotifier{}
	}
	if m.events == nil {
		m.events = nopPublisher{}
	}
	if m.alerts == nil {
		m.alerts = nopAlerter{}
	}
	return m
}

// CreateAccount registers a new account and starts its login flow. The returned
// snapshot carries the pairing code when one was requested and obtained.
func (m *Manager) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if !validAccountID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}
	phone := sanitizePhone(req.PhoneNumber)
	if req.UsePairingCode && phone == "" {
		return nil, ErrPhoneRequired
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := m.accounts[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
	}
	if err := m.reserveCreationLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	e := &entry{Account: Account{
		ID:             id,
		PhoneNumber:    phone,
		Status:         StatusConnecting,
		SessionPath:    m.sessions.Dir(id),
		UsePairingCode: req.UsePairingCode,
		WebhookURL:     strings.TrimSpace(req.WebhookURL),
		CreatedAt:      m.now(),
	}}
	m.accounts[id] = e
	m.armQRLocked(e, timerPendingQR, m.opts.PendingQRTimeout)
	m.mu.Unlock()

	zap.L().Info("accounts: account created",
		zap.String("account", id),
		zap.Bool("pairing_code", req.UsePairingCode))

	if _, err := m.sessions.Prepare(id); err != nil {
		m.rollback(e)
		return nil, fmt.Errorf("%w: %w", errSocketInit, err)
	}
	meta := store.AccountMeta{
		AccountID:      id,
		PhoneNumber:    phone,
		WebhookURL:     e.WebhookURL,
		UsePairingCode: req.UsePairingCode,
		CreatedAt:      e.CreatedAt,
	}
	if err := m.sessions.SaveMeta(id, meta); err != nil {
		zap.L().Warn("accounts: save account meta failed", zap.String("account", id), zap.Error(err))
	}

	if _, err := m.connect(ctx, id); err != nil {
		m.rollback(e)
		zap.L().Error("accounts: initial connect failed", zap.String("account", id), zap.Error(err))
		return nil, fmt.Errorf("connect account %s: %w", id, err)
	}

	acc, ok := m.GetAccount(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acc, nil
}

func (m *Manager) reserveCreationLocked() error {
	now := m.now()
	r := m.limiter.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitedError{RetryAfter: m.opts.CreateCooldown}
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return &RateLimitedError{RetryAfter: wait}
	}
	return nil
}

// rollback removes an entry whose creation failed. The creation cooldown stays consumed.
func (m *Manager) rollback(e *entry) {
	m.mu.Lock()
	cur, ok := m.accounts[e.ID]
	if !ok || cur != e || e.closing {
		m.mu.Unlock()
		return
	}
	sock := m.claimLocked(e)
	delete(m.accounts, e.ID)
	m.mu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			zap.L().Warn("accounts: close socket after failed create", zap.String("account", e.ID), zap.Error(err))
		}
	}
}

// GetAccount returns a snapshot of one account.
func (m *Manager) GetAccount(id string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.accounts[id]
	if !ok {
		return nil, false
	}
	acc := e.Account
	return &acc, true
}

// ListAccounts returns snapshots of every account ordered by creation time.
func (m *Manager) ListAccounts() []Account {
	m.mu.Lock()
	out := make([]Account, 0, len(m.accounts))
	for _, e := range m.accounts {
		out = append(out, e.Account)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// DisconnectAccount tears an account down and removes it from the registry.
// Logout and close failures are logged only. A second concurrent call for the
// same account fails with ErrAccountNotFound.
func (m *Manager) DisconnectAccount(ctx context.Context, id string, cleanupSession, forceLogout bool) error {
	reason := ReasonManual
	if forceLogout {
		reason = ReasonForceLogout
	}

	m.mu.Lock()
	e, ok := m.accounts[id]
	if !ok || e.closing {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	sock := m.claimLocked(e)
	m.mu.Unlock()

	m.finishTeardown(ctx, e, sock, cleanupSession, forceLogout, reason)
	return nil
}

// claimLocked marks e as being torn down, cancels its timers and detaches its
// socket. Events from the detached socket are ignored from here on.
func (m *Manager) claimLocked(e *entry) Socket {
	e.closing = true
	m.stopQRLocked(e)
	m.stopReconnectLocked(e)
	sock := e.socket
	e.socket = nil
	m.nextGen++
	e.gen = m.nextGen
	return sock
}

func (m *Manager) finishTeardown(ctx context.Context, e *entry, sock Socket, cleanupSession, forceLogout bool, reason string) {
	id := e.ID
	log := zap.L().With(zap.String("account", id), zap.String("reason", reason))

	if sock != nil {
		if forceLogout {
			if err := sock.Logout(ctx); err != nil {
				log.Warn("accounts: logout failed, continuing disconnect", zap.Error(err))
			}
			m.sleep(ctx, m.opts.LogoutFlushDelay)
		}
		if err := sock.Close(); err != nil {
			log.Warn("accounts: close socket failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	e.Status = StatusDisconnected
	e.QRCode = ""
	e.PairingCode = ""
	acc := e.Account
	if cur, ok := m.accounts[id]; ok && cur == e {
		delete(m.accounts, id)
	}
	m.mu.Unlock()

	m.inbox.Forget(id)
	m.emit(acc, WebhookPayload{Event: EventAccountDisconnected, Reason: reason})
	if reason == ReasonQRTimeout {
		m.alerts.AccountLost(id, acc.PhoneNumber, reason)
	}

	if cleanupSession {
		if err := m.sessions.Remove(id); err != nil {
			log.Error("accounts: remove session directory failed", zap.Error(err))
		}
	}
	log.Info("accounts: account disconnected", zap.Bool("cleanup", cleanupSession), zap.Bool("logout", forceLogout))
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Shutdown cancels every timer and closes every socket without logging out or
// deleting credentials, so the accounts are restored on the next start.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	var sockets []Socket
	for id, e := range m.accounts {
		if e.closing {
			continue
		}
		if sock := m.claimLocked(e); sock != nil {
			sockets = append(sockets, sock)
		}
		delete(m.accounts, id)
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sock := range sockets {
			if err := sock.Close(); err != nil {
				zap.L().Warn("accounts: close socket on shutdown", zap.Error(err))
			}
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		zap.L().Warn("accounts: shutdown interrupted before all sockets closed")
	}
}

// emit sends a payload to the account's webhook, if any, and to the event stream.
func (m *Manager) emit(acc Account, p WebhookPayload) {
	p.AccountID = acc.ID
	if p.Timestamp.IsZero() {
		p.Timestamp = m.now()
	}
	if acc.WebhookURL != "" {
		m.webhooks.Notify(acc.WebhookURL, p)
	}
	m.events.Publish(p.Event, p)
}

// RecentMessages returns the most recent inbound messages of an account.
func (m *Manager) RecentMessages(accountID string, limit int) ([]InboundMessage, error) {
	if _, ok := m.GetAccount(accountID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return m.inbox.ForAccount(accountID, limit), nil
}
