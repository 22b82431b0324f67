package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

// DefaultSessionMaxAge is how long an unused session directory is kept.
const DefaultSessionMaxAge = 24 * time.Hour

// CleanupOldSessions deletes session directories of unregistered accounts that
// have not been modified for longer than maxAge. It returns the number deleted.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	dirs, err := m.sessions.List()
	if err != nil {
		return 0, err
	}

	now := m.now()
	deleted := 0
	for _, d := range dirs {
		if now.Sub(d.ModTime) <= maxAge || m.registered(d.AccountID) {
			continue
		}
		if err := m.sessions.Remove(d.AccountID); err != nil {
			zap.L().Warn("accounts: remove old session failed", zap.String("account", d.AccountID), zap.Error(err))
			continue
		}
		deleted++
		zap.L().Info("accounts: removed old session",
			zap.String("account", d.AccountID),
			zap.Duration("age", now.Sub(d.ModTime).Round(time.Minute)))
	}
	return deleted, nil
}

// GetSessionStats summarizes the session directories on disk.
func (m *Manager) GetSessionStats(maxAge time.Duration) (*SessionStats, error) {
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	dirs, err := m.sessions.List()
	if err != nil {
		return nil, err
	}

	now := m.now()
	stats := &SessionStats{Total: len(dirs), OldSessions: []OldSession{}}
	for _, d := range dirs {
		if m.registered(d.AccountID) {
			stats.Active++
			continue
		}
		stats.Stale++
		if age := now.Sub(d.ModTime); age > maxAge {
			stats.OldSessions = append(stats.OldSessions, OldSession{
				AccountID:    d.AccountID,
				Path:         d.Path,
				LastModified: d.ModTime,
				AgeHours:     age.Hours(),
			})
		}
	}
	return stats, nil
}

func (m *Manager) registered(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[id]
	return ok
}

// RestoreExistingSessions reconnects every previously authenticated account
// found on disk. One account failing does not stop the others.
func (m *Manager) RestoreExistingSessions(ctx context.Context) (int, error) {
	dirs, err := m.sessions.List()
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, d := range dirs {
		if !d.HasCreds || m.registered(d.AccountID) {
			continue
		}
		if err := m.restoreOne(ctx, d.AccountID); err != nil {
			zap.L().Warn("accounts: restore failed", zap.String("account", d.AccountID), zap.Error(err))
			continue
		}
		restored++
	}
	zap.L().Info("accounts: session restore complete", zap.Int("restored", restored), zap.Int("scanned", len(dirs)))
	return restored, nil
}

func (m *Manager) restoreOne(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("restore panic: %v", r)
			m.markError(id, err)
		}
	}()

	if !validAccountID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidAccountID, id)
	}

	e := &entry{Account: Account{
		ID:          id,
		Status:      StatusConnecting,
		SessionPath: m.sessions.Dir(id),
		CreatedAt:   m.now(),
	}}
	if meta, err := m.sessions.LoadMeta(id); err == nil {
		e.PhoneNumber = meta.PhoneNumber
		e.WebhookURL = meta.WebhookURL
		e.UsePairingCode = meta.UsePairingCode
		if !meta.CreatedAt.IsZero() {
			e.CreatedAt = meta.CreatedAt
		}
	}
	if h, ok := m.history.Latest(id); ok {
		applyHistory(e, h)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.accounts[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
	}
	m.accounts[id] = e
	m.mu.Unlock()

	gen, err := m.connect(ctx, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errSocketInit):
		m.markError(id, err)
	case !errors.Is(err, ErrAccountNotFound):
		m.onClose(id, gen, &LastDisconnect{Cause: ClassifyError(err), Err: err})
	}
	return err
}

func applyHistory(e *entry, h store.HistoryEntry) {
	if h.PhoneNumber != "" {
		e.PhoneNumber = h.PhoneNumber
	}
	e.DeviceInfo = &DeviceInfo{UserName: h.UserName, DeviceID: h.DeviceID, Platform: h.Platform}
	if !h.LastConnected.IsZero() {
		last := h.LastConnected
		e.LastConnected = &last
	}
}

// GetDeviceHistory returns the device history, most recently connected first.
func (m *Manager) GetDeviceHistory() []store.HistoryEntry {
	return m.history.All()
}

func (m *Manager) GetAccountDeviceHistory(accountID string) []store.HistoryEntry {
	return m.history.ForAccount(accountID)
}
