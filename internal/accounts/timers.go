package accounts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type timerKind int

const (
	timerNone timerKind = iota
	timerPendingQR
	timerScan
)

func (k timerKind) String() string {
	switch k {
	case timerPendingQR:
		return "pending_qr"
	case timerScan:
		return "scan"
	default:
		return "none"
	}
}

// qrTimer is the single login-window timer slot of an account. gen identifies
// the arming; a fire whose gen no longer matches is stale and ignored.
type qrTimer struct {
	kind timerKind
	t    *time.Timer
	gen  uint64
}

type reconnectTimer struct {
	t   *time.Timer
	gen uint64
}

// armQRLocked replaces whatever login-window timer e has with a new one.
func (m *Manager) armQRLocked(e *entry, kind timerKind, d time.Duration) {
	m.stopQRLocked(e)
	m.nextGen++
	gen, id := m.nextGen, e.ID
	e.qr = qrTimer{
		kind: kind,
		gen:  gen,
		t:    time.AfterFunc(d, func() { m.loginWindowExpired(id, gen) }),
	}
}

func (m *Manager) stopQRLocked(e *entry) {
	if e.qr.t != nil {
		e.qr.t.Stop()
	}
	e.qr = qrTimer{}
}

func (m *Manager) armReconnectLocked(e *entry, d time.Duration) {
	m.stopReconnectLocked(e)
	m.nextGen++
	gen, id := m.nextGen, e.ID
	e.reconnect = reconnectTimer{
		gen: gen,
		t:   time.AfterFunc(d, func() { m.reconnectDue(id, gen) }),
	}
}

func (m *Manager) stopReconnectLocked(e *entry) {
	if e.reconnect.t != nil {
		e.reconnect.t.Stop()
	}
	e.reconnect = reconnectTimer{}
}

// loginWindowExpired tears down an account that never finished logging in.
func (m *Manager) loginWindowExpired(id string, gen uint64) {
	m.mu.Lock()
	e, ok := m.accounts[id]
	if !ok || e.closing || e.qr.gen != gen {
		m.mu.Unlock()
		return
	}
	kind := e.qr.kind
	sock := m.claimLocked(e)
	m.mu.Unlock()

	zap.L().Warn("accounts: login window expired, removing account",
		zap.String("account", id),
		zap.Stringer("phase", kind))

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()
	m.finishTeardown(ctx, e, sock, true, true, ReasonQRTimeout)
}

// RefreshQRTimeout restarts the scan window of an account that is still logging in.
func (m *Manager) RefreshQRTimeout(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.accounts[id]
	if !ok || e.closing {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if e.Status == StatusConnected {
		return nil
	}
	m.armQRLocked(e, timerScan, m.opts.ScanTimeout)
	return nil
}

// loginTimer reports which login-window timer is armed for an account.
func (m *Manager) loginTimer(id string) timerKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.accounts[id]; ok {
		return e.qr.kind
	}
	return timerNone
}

func (m *Manager) reconnectArmed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.accounts[id]
	return ok && e.reconnect.t != nil
}

func (m *Manager) qrGen(id string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.accounts[id]; ok {
		return e.qr.gen
	}
	return 0
}
