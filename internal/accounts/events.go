package accounts

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

// Event is one item of a socket's event feed.
type Event interface {
	isEvent()
}

type ConnectionState string

const (
	ConnectionConnecting ConnectionState = "connecting"
	ConnectionOpen       ConnectionState = "open"
	ConnectionClose      ConnectionState = "close"
)

// ConnectionUpdate reports a connection state change and/or a fresh QR payload.
// Connection is empty for QR-only updates.
type ConnectionUpdate struct {
	Connection     ConnectionState
	LastDisconnect *LastDisconnect
	QR             string
}

// CredsUpdate is emitted whenever the provider persisted new credentials.
type CredsUpdate struct {
	Creds store.Credentials
}

type MessagesUpsert struct {
	Messages []InboundMessage
}

type MessagesUpdate struct {
	Updates []MessageStatusUpdate
}

func (ConnectionUpdate) isEvent() {}
func (CredsUpdate) isEvent()      {}
func (MessagesUpsert) isEvent()   {}
func (MessagesUpdate) isEvent()   {}

type InboundMessage struct {
	ID        string    `json:"id"`
	Chat      string    `json:"chat"`
	From      string    `json:"from"`
	PushName  string    `json:"pushName,omitempty"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	IsGroup   bool      `json:"isGroup"`
	FromMe    bool      `json:"fromMe"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageStatusUpdate struct {
	MessageIDs []string  `json:"messageIds"`
	Chat       string    `json:"chat"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// LastDisconnect explains why a connection closed.
type LastDisconnect struct {
	Cause DisconnectCause
	Code  int
	Err   error
}

type DisconnectCause int

const (
	CauseUnknown DisconnectCause = iota
	CauseConnectionClosed
	CauseConnectionLost
	CauseConnectionReplaced
	CauseTimedOut
	CauseRestartRequired
	CauseLoggedOut
	CauseBadSession
	CauseRateLimited
	CauseNetworkUnreachable
)

var causeNames = map[DisconnectCause]string{
	CauseUnknown:            "unknown",
	CauseConnectionClosed:   "connection_closed",
	CauseConnectionLost:     "connection_lost",
	CauseConnectionReplaced: "connection_replaced",
	CauseTimedOut:           "timed_out",
	CauseRestartRequired:    "restart_required",
	CauseLoggedOut:          "logged_out",
	CauseBadSession:         "bad_session",
	CauseRateLimited:        "rate_limited",
	CauseNetworkUnreachable: "network_unreachable",
}

func (c DisconnectCause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return "unknown"
}

// Terminal causes never trigger a reconnect.
func (c DisconnectCause) Terminal() bool {
	return c == CauseLoggedOut || c == CauseBadSession
}

// ClassifyError maps a failed connect attempt onto a disconnect cause.
func ClassifyError(err error) DisconnectCause {
	if err == nil {
		return CauseUnknown
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseNetworkUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNRESET) {
		return CauseNetworkUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimedOut
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CauseNetworkUnreachable
	}
	return CauseConnectionClosed
}
