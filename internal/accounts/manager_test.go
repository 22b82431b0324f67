package accounts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccountRegistersConnecting(t *testing.T) {
	h := newHarness(t)

	acc := h.create(t, CreateAccountRequest{ID: "acct-1", WebhookURL: " http://hook.local/wa "})
	assert.Equal(t, "acct-1", acc.ID)
	assert.Equal(t, StatusConnecting, acc.Status)
	assert.Equal(t, "http://hook.local/wa", acc.WebhookURL)
	assert.Equal(t, h.sessions.Dir("acct-1"), acc.SessionPath)
	assert.DirExists(t, acc.SessionPath)
	assert.Equal(t, timerPendingQR, h.m.loginTimer("acct-1"))

	meta, err := h.sessions.LoadMeta("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "http://hook.local/wa", meta.WebhookURL)

	assert.Len(t, h.factory.sockets("acct-1"), 1)
	assert.Equal(t, 1, h.m.Count())
}

func TestCreateAccountGeneratesID(t *testing.T) {
	h := newHarness(t)

	acc := h.create(t, CreateAccountRequest{})
	assert.Len(t, acc.ID, 36)
	_, ok := h.m.GetAccount(acc.ID)
	assert.True(t, ok)
}

func TestCreateAccountValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "../escape"})
	assert.ErrorIs(t, err, ErrInvalidAccountID)

	_, err = h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "pair", UsePairingCode: true, PhoneNumber: "+-"})
	assert.ErrorIs(t, err, ErrPhoneRequired)

	assert.Zero(t, h.m.Count())
}

func TestCreateAccountDuplicate(t *testing.T) {
	h := newHarness(t)

	h.create(t, CreateAccountRequest{ID: "dup"})
	_, err := h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateAccount)
	assert.Len(t, h.factory.sockets("dup"), 1)
}

func TestCreateAccountCooldown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CreateCooldown = 30 * time.Second })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.m.now = func() time.Time { return clock }

	h.create(t, CreateAccountRequest{ID: "first"})

	// Duplicates are rejected before the cooldown is consulted.
	_, err := h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "first"})
	require.ErrorIs(t, err, ErrDuplicateAccount)

	_, err = h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "second"})
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.InDelta(t, 30, rl.RetryAfter.Seconds(), 0.01)
	_, ok := h.m.GetAccount("second")
	assert.False(t, ok)

	clock = clock.Add(10 * time.Second)
	_, err = h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "second"})
	require.True(t, errors.As(err, &rl))
	assert.InDelta(t, 20, rl.RetryAfter.Seconds(), 0.01)

	clock = clock.Add(21 * time.Second)
	h.create(t, CreateAccountRequest{ID: "second"})
}

func TestCreateAccountConnectFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeSocket) { s.connectErr = errBoom }

	_, err := h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "flaky"})
	require.ErrorIs(t, err, errBoom)

	_, ok := h.m.GetAccount("flaky")
	assert.False(t, ok)
	assert.Equal(t, timerNone, h.m.loginTimer("flaky"))
	_, closes := h.factory.last(t, "flaky").counts()
	assert.Equal(t, 1, closes)
}

func TestCreateAccountSocketInitFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.failOpen("broken", errBoom)

	_, err := h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "broken"})
	require.ErrorIs(t, err, errSocketInit)
	require.ErrorIs(t, err, errBoom)
	assert.Zero(t, h.m.Count())
}

func TestCreateAccountPairingCode(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeSocket) { s.pairingCode = "ABCD1234" }

	acc := h.create(t, CreateAccountRequest{ID: "pair", PhoneNumber: "+91 98765-43210", UsePairingCode: true})
	assert.Equal(t, "919876543210", acc.PhoneNumber)
	assert.Equal(t, "ABCD-1234", acc.PairingCode)
	assert.Empty(t, acc.QRCode)
	assert.Equal(t, timerScan, h.m.loginTimer("pair"))

	sock := h.factory.last(t, "pair")
	sock.mu.Lock()
	assert.Equal(t, "919876543210", sock.pairedPhone)
	sock.mu.Unlock()

	// QR payloads are ignored while logging in with a pairing code.
	sock.push(ConnectionUpdate{QR: "2@qr-payload"})
	sock.push(ConnectionUpdate{Connection: ConnectionConnecting})
	h.flush(t, sock)
	got, _ := h.m.GetAccount("pair")
	assert.Empty(t, got.QRCode)
	assert.Equal(t, "ABCD-1234", got.PairingCode)
}

func TestCreateAccountPairingCodeFailureKeepsAccount(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeSocket) { s.pairingErr = errBoom }

	acc := h.create(t, CreateAccountRequest{ID: "pair", PhoneNumber: "9876543210", UsePairingCode: true})
	assert.Empty(t, acc.PairingCode)
	assert.Equal(t, StatusConnecting, acc.Status)
	assert.Equal(t, timerPendingQR, h.m.loginTimer("pair"))
}

func TestCreateAccountRegisteredSkipsPairing(t *testing.T) {
	h := newHarness(t)
	h.factory.prepare = func(s *fakeSocket) {
		s.registered = true
		s.pairingCode = "ABCD1234"
	}

	acc := h.create(t, CreateAccountRequest{ID: "known", PhoneNumber: "919876543210", UsePairingCode: true})
	assert.Empty(t, acc.PairingCode)
}

func TestListAccountsOrdered(t *testing.T) {
	h := newHarness(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var step time.Duration
	h.m.now = func() time.Time {
		step += time.Second
		return base.Add(step)
	}

	for _, id := range []string{"c", "a", "b"} {
		h.create(t, CreateAccountRequest{ID: id})
	}
	var ids []string
	for _, acc := range h.m.ListAccounts() {
		ids = append(ids, acc.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestGetAccountReturnsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "snap"})

	acc, ok := h.m.GetAccount("snap")
	require.True(t, ok)
	acc.Status = StatusError

	again, _ := h.m.GetAccount("snap")
	assert.Equal(t, StatusConnecting, again.Status)
}

func TestDisconnectAccountForceLogoutCleansUp(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "gone", WebhookURL: "http://hook"})
	sock := h.open(t, "gone", "919876543210:4@s.whatsapp.net")

	require.NoError(t, h.m.DisconnectAccount(context.Background(), "gone", true, true))

	logouts, closes := sock.counts()
	assert.Equal(t, 1, logouts)
	assert.Equal(t, 1, closes)
	_, ok := h.m.GetAccount("gone")
	assert.False(t, ok)
	assert.NoDirExists(t, h.sessions.Dir("gone"))

	events := h.hooks.byEvent(EventAccountDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonForceLogout, events[0].Reason)
	assert.Equal(t, "gone", events[0].AccountID)

	err := h.m.DisconnectAccount(context.Background(), "gone", true, true)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDisconnectAccountKeepsSessionWithoutCleanup(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "keep", WebhookURL: "http://hook"})
	sock := h.factory.last(t, "keep")

	require.NoError(t, h.m.DisconnectAccount(context.Background(), "keep", false, false))

	logouts, closes := sock.counts()
	assert.Zero(t, logouts)
	assert.Equal(t, 1, closes)
	assert.DirExists(t, h.sessions.Dir("keep"))
	events := h.hooks.byEvent(EventAccountDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonManual, events[0].Reason)
	assert.Equal(t, timerNone, h.m.loginTimer("keep"))
}

func TestDisconnectAccountConcurrentCallsTearDownOnce(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "race", WebhookURL: "http://hook"})
	sock := h.factory.last(t, "race")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.m.DisconnectAccount(context.Background(), "race", true, true); err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAccountNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, oks)
	logouts, _ := sock.counts()
	assert.Equal(t, 1, logouts)
	assert.Len(t, h.hooks.byEvent(EventAccountDisconnected), 1)
}

func TestDisconnectRacingLoginTimeoutTearsDownOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PendingQRTimeout = 15 * time.Millisecond })
	h.create(t, CreateAccountRequest{ID: "race", WebhookURL: "http://hook"})

	time.Sleep(15 * time.Millisecond)
	_ = h.m.DisconnectAccount(context.Background(), "race", false, false)

	require.Eventually(t, func() bool { return h.m.Count() == 0 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.hooks.byEvent(EventAccountDisconnected), 1)
}

func TestShutdownClosesSocketsWithoutLogout(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "one"})
	h.create(t, CreateAccountRequest{ID: "two"})

	h.m.Shutdown(context.Background())

	for _, id := range []string{"one", "two"} {
		logouts, closes := h.factory.last(t, id).counts()
		assert.Zero(t, logouts, id)
		assert.Equal(t, 1, closes, id)
		assert.DirExists(t, h.sessions.Dir(id))
	}
	assert.Zero(t, h.m.Count())

	_, err := h.m.CreateAccount(context.Background(), CreateAccountRequest{ID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	text := SendRequest{To: "919876543210", Message: MessageContent{Text: "hello"}}

	_, err := h.m.SendMessage(ctx, "missing", text)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	h.create(t, CreateAccountRequest{ID: "s"})
	_, err = h.m.SendMessage(ctx, "s", text)
	assert.ErrorIs(t, err, ErrNotConnected)

	sock := h.open(t, "s", "919876543210:1@s.whatsapp.net")

	_, err = h.m.SendMessage(ctx, "s", SendRequest{To: "1", Message: MessageContent{}})
	assert.ErrorIs(t, err, ErrInvalidMessageType)

	_, err = h.m.SendMessage(ctx, "s", SendRequest{To: "  ", Message: MessageContent{Text: "x"}})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	res, err := h.m.SendMessage(ctx, "s", text)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "MSG-1", res.MessageID)

	sock.mu.Lock()
	sock.sendErr = errBoom
	sock.mu.Unlock()
	res, err = h.m.SendMessage(ctx, "s", text)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)

	sock.mu.Lock()
	sock.sendErr = ErrInvalidRecipient
	sock.mu.Unlock()
	_, err = h.m.SendMessage(ctx, "s", text)
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	sock.mu.Lock()
	assert.Len(t, sock.sent, 3)
	sock.mu.Unlock()
}

func TestMessageContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content MessageContent
		kind    string
		wantErr bool
	}{
		{"text", MessageContent{Text: "hi"}, "text", false},
		{"image url", MessageContent{Image: &MediaMessage{URL: "http://x/a.png"}}, "image", false},
		{"document data", MessageContent{Document: &MediaMessage{Data: "data:application/pdf;base64,AA=="}}, "document", false},
		{"location", MessageContent{Location: &LocationMessage{Latitude: 1, Longitude: 2}}, "location", false},
		{"empty", MessageContent{}, "", true},
		{"two variants", MessageContent{Text: "hi", Audio: &MediaMessage{URL: "u"}}, "", true},
		{"media without source", MessageContent{Video: &MediaMessage{Caption: "c"}}, "video", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.content.Kind())
			err := tt.content.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessageType)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecentMessages(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.RecentMessages("nobody", 10)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	h.create(t, CreateAccountRequest{ID: "in", WebhookURL: "http://hook"})
	sock := h.open(t, "in", "919876543210:1@s.whatsapp.net")

	sock.push(MessagesUpsert{Messages: []InboundMessage{
		{ID: "m1", From: "111@s.whatsapp.net", Type: "text", Text: "first"},
		{ID: "m2", FromMe: true, Text: "echo"},
		{ID: "m3", From: "222@s.whatsapp.net", Type: "text", Text: "second"},
	}})
	require.Eventually(t, func() bool { return len(h.hooks.byEvent(EventMessageReceived)) == 2 }, waitFor, tick)

	msgs, err := h.m.RecentMessages("in", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)

	payload := h.hooks.byEvent(EventMessageReceived)[0]
	require.NotNil(t, payload.Message)
	assert.Equal(t, "first", payload.Message.Text)
	assert.True(t, strings.HasSuffix(payload.Message.From, "@s.whatsapp.net"))
}
