package accounts

import (
	"context"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

// SocketConfig tells a SocketFactory where an account's credentials live.
type SocketConfig struct {
	AccountID  string
	SessionDir string
}

// SocketFactory builds a protocol socket bound to the credentials in a session directory.
type SocketFactory interface {
	Open(ctx context.Context, cfg SocketConfig) (Socket, error)
}

// Socket is one protocol connection. Events is closed by Close.
type Socket interface {
	Events() <-chan Event
	Connect(ctx context.Context) error
	Registered() bool
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	SendMessage(ctx context.Context, to string, content MessageContent) (string, error)
	Logout(ctx context.Context) error
	Close() error
	Identity() DeviceIdentity
}

// DeviceIdentity describes the authenticated device behind a socket.
type DeviceIdentity struct {
	JID      string
	PushName string
	Platform string
}

type SessionStore interface {
	Dir(accountID string) string
	Prepare(accountID string) (string, error)
	SaveCreds(accountID string, c store.Credentials) error
	SaveMeta(accountID string, m store.AccountMeta) error
	LoadMeta(accountID string) (*store.AccountMeta, error)
	Remove(accountID string) error
	List() ([]store.SessionDir, error)
}

type HistoryStore interface {
	Record(in store.HistoryEntry) (store.HistoryEntry, error)
	All() []store.HistoryEntry
	ForAccount(accountID string) []store.HistoryEntry
	Latest(accountID string) (store.HistoryEntry, bool)
}

// Notifier delivers webhook payloads. Notify must not block.
type Notifier interface {
	Notify(url string, payload WebhookPayload)
}

// Publisher receives every status event for live subscribers. Publish must not block.
type Publisher interface {
	Publish(typ string, data any)
}

// Alerter is told about accounts lost without operator action.
type Alerter interface {
	AccountLost(accountID, phone, reason string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, WebhookPayload) {}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

type nopAlerter struct{}

func (nopAlerter) AccountLost(string, string, string) {}
