package accounts

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

// connect builds a fresh socket for an account, installs it as the only current
// socket and starts its event pump. It returns the generation of the new socket.
func (m *Manager) connect(ctx context.Context, id string) (uint64, error) {
	m.mu.Lock()
	e, ok := m.accounts[id]
	if !ok || e.closing {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	usePairing, phone := e.UsePairingCode, e.PhoneNumber
	m.mu.Unlock()

	dir, err := m.sessions.Prepare(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errSocketInit, err)
	}
	sock, err := m.sockets.Open(ctx, SocketConfig{AccountID: id, SessionDir: dir})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errSocketInit, err)
	}

	m.mu.Lock()
	e, ok = m.accounts[id]
	if !ok || e.closing {
		m.mu.Unlock()
		_ = sock.Close()
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	old := e.socket
	m.nextGen++
	gen := m.nextGen
	e.socket, e.gen = sock, gen
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			zap.L().Warn("accounts: close superseded socket", zap.String("account", id), zap.Error(err))
		}
	}

	go m.pump(id, gen, sock)

	if err := sock.Connect(ctx); err != nil {
		return gen, fmt.Errorf("connect socket: %w", err)
	}

	if usePairing && !sock.Registered() {
		code, err := sock.RequestPairingCode(ctx, phone)
		if err != nil {
			zap.L().Warn("accounts: pairing code request failed, QR login still possible",
				zap.String("account", id), zap.Error(err))
		} else {
			m.onPairingCode(id, gen, code)
		}
	}
	return gen, nil
}

// pump delivers one socket's events in order until the socket is closed.
func (m *Manager) pump(id string, gen uint64, sock Socket) {
	for evt := range sock.Events() {
		m.dispatch(id, gen, evt)
	}
}

func (m *Manager) dispatch(id string, gen uint64, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("accounts: event handler panic", zap.String("account", id), zap.Any("panic", r))
		}
	}()

	switch v := evt.(type) {
	case ConnectionUpdate:
		if v.QR != "" {
			m.onQR(id, gen, v.QR)
		}
		switch v.Connection {
		case ConnectionOpen:
			m.onOpen(id, gen)
		case ConnectionClose:
			m.onClose(id, gen, v.LastDisconnect)
		case ConnectionConnecting:
			m.onConnecting(id, gen)
		}
	case CredsUpdate:
		m.onCredsUpdate(id, gen, v.Creds)
	case MessagesUpsert:
		m.onMessages(id, gen, v.Messages)
	case MessagesUpdate:
		m.onMessageStatus(id, gen, v.Updates)
	}
}

// currentLocked returns the entry only if gen is still its live socket generation.
func (m *Manager) currentLocked(id string, gen uint64) *entry {
	e, ok := m.accounts[id]
	if !ok || e.closing || e.gen != gen {
		return nil
	}
	return e
}

func (m *Manager) onQR(id string, gen uint64, code string) {
	m.mu.Lock()
	e := m.currentLocked(id, gen)
	skip := e == nil || e.UsePairingCode || e.Status == StatusConnected
	m.mu.Unlock()
	if skip {
		return
	}

	img, err := renderQR(code)
	if err != nil {
		zap.L().Error("accounts: render qr failed", zap.String("account", id), zap.Error(err))
		return
	}

	m.mu.Lock()
	e = m.currentLocked(id, gen)
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.QRCode = img
	e.PairingCode = ""
	// Provider QR rotations keep the deadline set by the first code.
	if e.qr.kind != timerScan {
		m.armQRLocked(e, timerScan, m.opts.ScanTimeout)
	}
	acc := e.Account
	m.mu.Unlock()

	zap.L().Info("accounts: qr code ready", zap.String("account", id))
	m.emit(acc, WebhookPayload{Event: EventConnectionUpdate, Status: acc.Status, QR: img})
}

func (m *Manager) onPairingCode(id string, gen uint64, code string) {
	m.mu.Lock()
	e := m.currentLocked(id, gen)
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.PairingCode = formatPairingCode(code)
	e.QRCode = ""
	m.armQRLocked(e, timerScan, m.opts.ScanTimeout)
	acc := e.Account
	m.mu.Unlock()

	zap.L().Info("accounts: pairing code ready", zap.String("account", id))
	m.emit(acc, WebhookPayload{Event: EventConnectionUpdate, Status: acc.Status, PairingCode: acc.PairingCode})
}

func (m *Manager) onOpen(id string, gen uint64) {
	m.mu.Lock()
	e := m.currentLocked(id, gen)
	if e == nil || e.socket == nil {
		m.mu.Unlock()
		return
	}
	sock := e.socket
	m.mu.Unlock()

	ident := sock.Identity()
	phone := NormalizePhone(ident.JID, m.opts.DefaultCountryCode)
	now := m.now()

	m.mu.Lock()
	e = m.currentLocked(id, gen)
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.Status = StatusConnected
	e.LastConnected = &now
	e.QRCode = ""
	e.PairingCode = ""
	e.ReconnectAttempts = 0
	e.LastError = ""
	if phone != "" {
		e.PhoneNumber = phone
	}
	e.DeviceInfo = &DeviceInfo{UserName: ident.PushName, DeviceID: ident.JID, Platform: ident.Platform}
	m.stopQRLocked(e)
	m.stopReconnectLocked(e)
	acc := e.Account
	m.mu.Unlock()

	zap.L().Info("accounts: connected", zap.String("account", id), zap.String("phone", acc.PhoneNumber))

	_, err := m.history.Record(store.HistoryEntry{
		DeviceID:      userJID(ident.JID),
		AccountID:     id,
		PhoneNumber:   acc.PhoneNumber,
		UserName:      ident.PushName,
		Platform:      ident.Platform,
		LastConnected: now,
	})
	if err != nil {
		zap.L().Warn("accounts: record device history failed", zap.String("account", id), zap.Error(err))
	}

	m.emit(acc, WebhookPayload{Event: EventConnectionUpdate, Status: StatusConnected})
}

func (m *Manager) onClose(id string, gen uint64, ld *LastDisconnect) {
	cause := CauseConnectionClosed
	if ld != nil {
		cause = ld.Cause
	}
	log := zap.L().With(zap.String("account", id), zap.Stringer("cause", cause))

	m.mu.Lock()
	e := m.currentLocked(id, gen)
	if e == nil {
		m.mu.Unlock()
		return
	}
	e.QRCode = ""
	e.PairingCode = ""
	e.LastError = cause.String()
	if ld != nil && ld.Err != nil {
		e.LastError = ld.Err.Error()
	}

	if cause.Terminal() {
		e.Status = StatusDisconnected
		m.stopQRLocked(e)
		m.stopReconnectLocked(e)
		sock := e.socket
		e.socket = nil
		m.nextGen++
		e.gen = m.nextGen
		acc := e.Account
		m.mu.Unlock()

		log.Warn("accounts: session ended by provider, not reconnecting")
		if sock != nil {
			if err := sock.Close(); err != nil {
				log.Warn("accounts: close socket failed", zap.Error(err))
			}
		}
		m.emit(acc, WebhookPayload{Event: EventAccountDisconnected, Reason: ReasonLoggedOut})
		m.alerts.AccountLost(id, acc.PhoneNumber, ReasonLoggedOut)
		return
	}

	e.Status = StatusConnecting
	delay, attempts := m.opts.Backoff.Next(cause, e.ReconnectAttempts)
	e.ReconnectAttempts = attempts
	m.armReconnectLocked(e, delay)
	acc := e.Account
	m.mu.Unlock()

	log.Info("accounts: connection closed, reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempts", attempts))
	m.emit(acc, WebhookPayload{Event: EventConnectionUpdate, Status: StatusConnecting})
}

func (m *Manager) onConnecting(id string, gen uint64) {
	m.mu.Lock()
	if e := m.currentLocked(id, gen); e != nil {
		e.Status = StatusConnecting
	}
	m.mu.Unlock()
}

// reconnectDue replaces the socket of an account whose connection dropped.
func (m *Manager) reconnectDue(id string, gen uint64) {
	m.mu.Lock()
	e, ok := m.accounts[id]
	if !ok || e.closing || e.reconnect.gen != gen {
		m.mu.Unlock()
		return
	}
	e.reconnect = reconnectTimer{}
	m.mu.Unlock()

	zap.L().Info("accounts: reconnecting", zap.String("account", id))

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()

	sockGen, err := m.connect(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrAccountNotFound):
	case errors.Is(err, errSocketInit):
		m.markError(id, err)
	default:
		m.onClose(id, sockGen, &LastDisconnect{Cause: ClassifyError(err), Err: err})
	}
}

// markError moves an account to the error state after an unrecoverable failure.
func (m *Manager) markError(id string, err error) {
	m.mu.Lock()
	e, ok := m.accounts[id]
	if !ok || e.closing {
		m.mu.Unlock()
		return
	}
	e.Status = StatusError
	e.LastError = err.Error()
	m.stopReconnectLocked(e)
	acc := e.Account
	m.mu.Unlock()

	zap.L().Error("accounts: account failed", zap.String("account", id), zap.Error(err))
	m.emit(acc, WebhookPayload{Event: EventConnectionUpdate, Status: StatusError})
}

func (m *Manager) onCredsUpdate(id string, gen uint64, creds store.Credentials) {
	m.mu.Lock()
	live := m.currentLocked(id, gen) != nil
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.sessions.SaveCreds(id, creds); err != nil {
		zap.L().Error("accounts: save credentials marker failed", zap.String("account", id), zap.Error(err))
	}
}

func (m *Manager) onMessages(id string, gen uint64, msgs []InboundMessage) {
	m.mu.Lock()
	e := m.currentLocked(id, gen)
	var acc Account
	if e != nil {
		acc = e.Account
	}
	m.mu.Unlock()
	if e == nil {
		return
	}

	for i := range msgs {
		msg := msgs[i]
		if msg.FromMe {
			continue
		}
		m.inbox.Add(id, msg)
		m.emit(acc, WebhookPayload{Event: EventMessageReceived, Message: &msg})
	}
}

func (m *Manager) onMessageStatus(id string, gen uint64, updates []MessageStatusUpdate) {
	m.mu.Lock()
	live := m.currentLocked(id, gen) != nil
	m.mu.Unlock()
	if !live || len(updates) == 0 {
		return
	}
	m.events.Publish(EventMessageUpdate, WebhookPayload{
		Event:     EventMessageUpdate,
		AccountID: id,
		Updates:   updates,
		Timestamp: m.now(),
	})
}
