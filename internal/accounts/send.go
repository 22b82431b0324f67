package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SendMessage sends one message through a connected account. Precondition
// failures are returned as errors; provider failures come back as an
// unsuccessful SendResult.
func (m *Manager) SendMessage(ctx context.Context, accountID string, req SendRequest) (*SendResult, error) {
	m.mu.Lock()
	e, ok := m.accounts[accountID]
	if !ok || e.closing {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if e.Status != StatusConnected || e.socket == nil {
		status := e.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, accountID, status)
	}
	sock := e.socket
	m.mu.Unlock()

	if err := req.Message.Validate(); err != nil {
		return nil, err
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		return nil, fmt.Errorf("%w: empty recipient", ErrInvalidRecipient)
	}

	id, err := sock.SendMessage(ctx, to, req.Message)
	if err != nil {
		if errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrInvalidMessageType) {
			return nil, err
		}
		zap.L().Warn("accounts: send failed",
			zap.String("account", accountID),
			zap.String("kind", req.Message.Kind()),
			zap.Error(err))
		return &SendResult{Success: false, Error: err.Error()}, nil
	}

	zap.L().Debug("accounts: message sent",
		zap.String("account", accountID),
		zap.String("kind", req.Message.Kind()),
		zap.String("message_id", id))
	return &SendResult{Success: true, MessageID: id}, nil
}
