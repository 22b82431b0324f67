package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/fingerprint"
)

const eventBuffer = 64

var errSocketClosed = errors.New("socket closed")

// socket wraps one whatsmeow client. Its event channel is fed from the
// whatsmeow handler goroutine and closed exactly once by Close.
type socket struct {
	id        string
	client    *whatsmeow.Client
	container *sqlstore.Container
	companion fingerprint.Companion
	media     *mediaLoader
	log       *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	handlerID uint32
	qrReady   chan struct{}
	qrOnce    sync.Once
	closeOnce sync.Once
	closeErr  error

	mu     sync.RWMutex
	closed bool
	events chan accounts.Event
}

func newSocket(id string, client *whatsmeow.Client, container *sqlstore.Container, companion fingerprint.Companion, media *resty.Client) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	s := &socket{
		id:        id,
		client:    client,
		container: container,
		companion: companion,
		media:     &mediaLoader{http: media},
		log:       zap.L().With(zap.String("account", id)),
		ctx:       ctx,
		cancel:    cancel,
		qrReady:   make(chan struct{}),
		events:    make(chan accounts.Event, eventBuffer),
	}
	s.handlerID = client.AddEventHandler(s.handle)
	return s
}

func (s *socket) Events() <-chan accounts.Event { return s.events }

// emit delivers evt unless the socket is closing.
func (s *socket) emit(evt accounts.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *socket) handle(raw any) {
	for _, evt := range translate(raw, s.Identity) {
		s.emit(evt)
	}
}

// Connect dials the server. Unpaired devices get a QR channel first; its
// codes are forwarded as connection updates for the lifetime of the socket.
func (s *socket) Connect(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return errSocketClosed
	}
	s.emit(accounts.ConnectionUpdate{Connection: accounts.ConnectionConnecting})

	if s.client.Store.ID == nil {
		qrChan, err := s.client.GetQRChannel(s.ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return fmt.Errorf("qr channel: %w", err)
		}
		if qrChan != nil {
			go s.forwardQR(qrChan)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.client.Connect() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.client.Disconnect()
		return ctx.Err()
	}
}

func (s *socket) forwardQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(accounts.ConnectionUpdate{QR: item.Code})
			s.qrOnce.Do(func() { close(s.qrReady) })
		case whatsmeow.QRChannelSuccess.Event:
			s.log.Info("whatsapp: qr login succeeded")
		case whatsmeow.QRChannelEventError:
			s.log.Warn("whatsapp: qr channel error", zap.Error(item.Error))
		default:
			s.log.Info("whatsapp: qr channel ended", zap.String("event", item.Event))
		}
	}
}

func (s *socket) Registered() bool {
	return s.client.Store.ID != nil
}

// RequestPairingCode waits for the server to accept a login attempt, signalled
// by the first QR code, and then asks for a phone pairing code instead.
func (s *socket) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	select {
	case <-s.qrReady:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.ctx.Done():
		return "", errSocketClosed
	}
	code, err := s.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, s.companion.DisplayName())
	if err != nil {
		return "", fmt.Errorf("pair phone: %w", err)
	}
	return code, nil
}

func (s *socket) SendMessage(ctx context.Context, to string, content accounts.MessageContent) (string, error) {
	jid, err := parseJID(to)
	if err != nil {
		return "", err
	}
	msg, err := buildMessage(ctx, s.client, s.media, content)
	if err != nil {
		return "", err
	}
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *socket) Logout(ctx context.Context) error {
	if s.client.Store.ID == nil {
		return nil
	}
	return s.client.Logout(ctx)
}

// Close stops event delivery, disconnects and releases the device store.
// Safe to call from the goroutine reading Events.
func (s *socket) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.client.RemoveEventHandler(s.handlerID)
		s.client.Disconnect()

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()

		s.closeErr = s.container.Close()
	})
	return s.closeErr
}

func (s *socket) Identity() accounts.DeviceIdentity {
	st := s.client.Store
	if st == nil || st.ID == nil {
		return accounts.DeviceIdentity{}
	}
	return accounts.DeviceIdentity{
		JID:      st.ID.String(),
		PushName: st.PushName,
		Platform: st.Platform,
	}
}

// parseJID accepts a full JID or a dialled phone number.
func parseJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil || jid.User == "" {
			return types.JID{}, fmt.Errorf("%w: %q", accounts.ErrInvalidRecipient, to)
		}
		return jid, nil
	}

	var digits strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() < 5 {
		return types.JID{}, fmt.Errorf("%w: %q", accounts.ErrInvalidRecipient, to)
	}
	return types.NewJID(digits.String(), types.DefaultUserServer), nil
}
