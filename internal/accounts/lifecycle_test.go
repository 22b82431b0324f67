package accounts

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

func TestQRThenOpenConnects(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "qr", WebhookURL: "http://hook"})
	sock := h.factory.last(t, "qr")

	sock.push(ConnectionUpdate{QR: "2@abcdef,xyz"})
	require.Eventually(t, func() bool { return h.m.loginTimer("qr") == timerScan }, waitFor, tick)

	acc, _ := h.m.GetAccount("qr")
	assert.True(t, strings.HasPrefix(acc.QRCode, "data:image/png;base64,"))
	updates := h.hooks.byEvent(EventConnectionUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, acc.QRCode, updates[len(updates)-1].QR)

	h.open(t, "qr", "919876543210:7@s.whatsapp.net")

	acc, _ = h.m.GetAccount("qr")
	assert.Empty(t, acc.QRCode)
	assert.Equal(t, "919876543210", acc.PhoneNumber)
	require.NotNil(t, acc.DeviceInfo)
	assert.Equal(t, "919876543210:7@s.whatsapp.net", acc.DeviceInfo.DeviceID)
	assert.Equal(t, "Asha", acc.DeviceInfo.UserName)
	require.NotNil(t, acc.LastConnected)
	assert.Equal(t, timerNone, h.m.loginTimer("qr"))
	assert.False(t, h.m.reconnectArmed("qr"))

	entries := h.m.GetAccountDeviceHistory("qr")
	require.Len(t, entries, 1)
	assert.Equal(t, "919876543210", entries[0].PhoneNumber)
	assert.Equal(t, 1, entries[0].ConnectionCount)

	last := h.hooks.byEvent(EventConnectionUpdate)
	assert.Equal(t, StatusConnected, last[len(last)-1].Status)
}

func TestQRRotationKeepsScanDeadline(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "rot"})
	sock := h.factory.last(t, "rot")

	sock.push(ConnectionUpdate{QR: "first"})
	h.flush(t, sock)
	armed := h.m.qrGen("rot")
	require.NotZero(t, armed)

	sock.push(ConnectionUpdate{QR: "rotated"})
	h.flush(t, sock)
	assert.Equal(t, armed, h.m.qrGen("rot"))

	acc, _ := h.m.GetAccount("rot")
	rotated, err := renderQR("rotated")
	require.NoError(t, err)
	assert.Equal(t, rotated, acc.QRCode)
}

func TestPendingQRTimeoutRemovesAccount(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PendingQRTimeout = 30 * time.Millisecond })
	h.create(t, CreateAccountRequest{ID: "slow", WebhookURL: "http://hook"})
	sock := h.factory.last(t, "slow")

	require.Eventually(t, func() bool { return h.m.Count() == 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(h.hooks.byEvent(EventAccountDisconnected)) == 1 }, waitFor, tick)

	logouts, closes := sock.counts()
	assert.Equal(t, 1, logouts)
	assert.Equal(t, 1, closes)
	assert.NoDirExists(t, h.sessions.Dir("slow"))
	assert.Equal(t, ReasonQRTimeout, h.hooks.byEvent(EventAccountDisconnected)[0].Reason)

	h.alerts.mu.Lock()
	assert.Equal(t, []string{ReasonQRTimeout}, h.alerts.reasons)
	h.alerts.mu.Unlock()
}

func TestScanTimeoutRemovesAccount(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ScanTimeout = 40 * time.Millisecond })
	h.create(t, CreateAccountRequest{ID: "unscanned"})
	sock := h.factory.last(t, "unscanned")

	sock.push(ConnectionUpdate{QR: "payload"})
	require.Eventually(t, func() bool { return h.m.Count() == 0 }, waitFor, tick)
	assert.NoDirExists(t, h.sessions.Dir("unscanned"))
}

func TestOpenBeforeTimeoutCancelsTeardown(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PendingQRTimeout = 60 * time.Millisecond })
	h.create(t, CreateAccountRequest{ID: "fast"})
	h.open(t, "fast", "919876543210:1@s.whatsapp.net")

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StatusConnected, h.status("fast"))
}

func TestRefreshQRTimeout(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.m.RefreshQRTimeout("ghost"), ErrAccountNotFound)

	h.create(t, CreateAccountRequest{ID: "r"})
	require.Equal(t, timerPendingQR, h.m.loginTimer("r"))
	require.NoError(t, h.m.RefreshQRTimeout("r"))
	assert.Equal(t, timerScan, h.m.loginTimer("r"))

	h.open(t, "r", "919876543210:1@s.whatsapp.net")
	require.NoError(t, h.m.RefreshQRTimeout("r"))
	assert.Equal(t, timerNone, h.m.loginTimer("r"))
}

func TestLoggedOutCloseIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "lo", WebhookURL: "http://hook"})
	sock := h.open(t, "lo", "919876543210:1@s.whatsapp.net")

	sock.push(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseLoggedOut}})
	require.Eventually(t, func() bool { return h.status("lo") == StatusDisconnected }, waitFor, tick)

	_, closes := sock.counts()
	assert.Equal(t, 1, closes)
	assert.False(t, h.m.reconnectArmed("lo"))

	events := h.hooks.byEvent(EventAccountDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonLoggedOut, events[0].Reason)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.factory.sockets("lo"), 1)
	h.alerts.mu.Lock()
	assert.Equal(t, []string{ReasonLoggedOut}, h.alerts.reasons)
	h.alerts.mu.Unlock()

	// The account stays listed until the operator removes it.
	require.NoError(t, h.m.DisconnectAccount(context.Background(), "lo", true, false))
	assert.Zero(t, h.m.Count())
}

func TestTerminalCloseDuringPendingQRCancelsLoginTimer(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.PendingQRTimeout = 80 * time.Millisecond })
	h.create(t, CreateAccountRequest{ID: "pq", WebhookURL: "http://hook"})
	require.Equal(t, timerPendingQR, h.m.loginTimer("pq"))
	sock := h.factory.last(t, "pq")

	sock.push(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseBadSession}})
	require.Eventually(t, func() bool { return h.status("pq") == StatusDisconnected }, waitFor, tick)
	assert.Equal(t, timerNone, h.m.loginTimer("pq"))

	// Past the pending-QR deadline nothing else tears the account down.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, h.m.Count())
	events := h.hooks.byEvent(EventAccountDisconnected)
	require.Len(t, events, 1)
	assert.Equal(t, ReasonLoggedOut, events[0].Reason)
	assert.DirExists(t, h.sessions.Dir("pq"))
}

func TestRepairedDeviceKeepsOneHistoryEntry(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "rp", WebhookURL: "http://hook"})
	first := h.open(t, "rp", "919876543210:1@s.whatsapp.net")

	first.push(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseConnectionLost}})
	require.Eventually(t, func() bool { return len(h.factory.sockets("rp")) == 2 }, waitFor, tick)
	h.open(t, "rp", "919876543210:9@s.whatsapp.net")

	hist := h.m.GetAccountDeviceHistory("rp")
	require.Len(t, hist, 1)
	assert.Equal(t, "919876543210@s.whatsapp.net", hist[0].DeviceID)
	assert.Equal(t, 2, hist[0].ConnectionCount)

	acc, _ := h.m.GetAccount("rp")
	assert.Equal(t, "919876543210:9@s.whatsapp.net", acc.DeviceInfo.DeviceID)
}

func TestUserJID(t *testing.T) {
	assert.Equal(t, "919876543210@s.whatsapp.net", userJID("919876543210:12@s.whatsapp.net"))
	assert.Equal(t, "919876543210@s.whatsapp.net", userJID("919876543210@s.whatsapp.net"))
	assert.Equal(t, "opaque", userJID("opaque"))
}

func TestTransientCloseReconnectsWithFreshSocket(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "tc", WebhookURL: "http://hook"})
	first := h.open(t, "tc", "919876543210:1@s.whatsapp.net")

	first.push(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseConnectionLost}})
	require.Eventually(t, func() bool { return len(h.factory.sockets("tc")) == 2 }, waitFor, tick)

	_, closes := first.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, StatusConnecting, h.status("tc"))

	// The superseded socket can no longer move the account.
	first.push(ConnectionUpdate{Connection: ConnectionOpen})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StatusConnecting, h.status("tc"))

	h.open(t, "tc", "919876543210:1@s.whatsapp.net")
	acc, _ := h.m.GetAccount("tc")
	assert.Zero(t, acc.ReconnectAttempts)
	assert.Len(t, h.m.GetAccountDeviceHistory("tc"), 1)
	assert.Equal(t, 2, h.m.GetAccountDeviceHistory("tc")[0].ConnectionCount)
}

func TestStaleGenerationEventsIgnored(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "st"})

	h.m.dispatch("st", 0, ConnectionUpdate{Connection: ConnectionOpen})
	h.m.dispatch("st", 0, ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseLoggedOut}})
	assert.Equal(t, StatusConnecting, h.status("st"))
	assert.False(t, h.m.reconnectArmed("st"))
}

func TestRateLimitedCloseBacksOff(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Backoff.RateLimitBase = time.Hour
		o.Backoff.RateLimitMax = 4 * time.Hour
	})
	h.create(t, CreateAccountRequest{ID: "rl"})
	sock := h.open(t, "rl", "919876543210:1@s.whatsapp.net")

	sock.push(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseRateLimited}})
	require.Eventually(t, func() bool { return h.m.reconnectArmed("rl") }, waitFor, tick)

	acc, _ := h.m.GetAccount("rl")
	assert.Equal(t, 1, acc.ReconnectAttempts)
	assert.Equal(t, StatusConnecting, acc.Status)
	assert.Equal(t, CauseRateLimited.String(), acc.LastError)
	assert.Len(t, h.factory.sockets("rl"), 1)
}

func TestReconnectConnectFailureReschedules(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "rc"})
	first := h.open(t, "rc", "919876543210:1@s.whatsapp.net")

	h.factory.mu.Lock()
	h.factory.prepare = func(s *fakeSocket) { s.connectErr = &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED} }
	h.factory.mu.Unlock()

	first.push(ConnectionUpdate{Connection: ConnectionClose, LastDisconnect: &LastDisconnect{Cause: CauseConnectionClosed}})
	require.Eventually(t, func() bool { return len(h.factory.sockets("rc")) >= 3 }, waitFor, tick)

	acc, _ := h.m.GetAccount("rc")
	assert.Equal(t, StatusConnecting, acc.Status)
	assert.Contains(t, acc.LastError, "connection refused")
}

func TestReconnectSocketInitFailureMarksError(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "ie", WebhookURL: "http://hook"})
	first := h.open(t, "ie", "919876543210:1@s.whatsapp.net")

	h.factory.failOpen("ie", errBoom)
	first.push(ConnectionUpdate{Connection: ConnectionClose})
	require.Eventually(t, func() bool { return h.status("ie") == StatusError }, waitFor, tick)

	acc, _ := h.m.GetAccount("ie")
	assert.Contains(t, acc.LastError, "boom")
	assert.False(t, h.m.reconnectArmed("ie"))
}

func TestCredsUpdateWritesMarker(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "cr"})
	sock := h.factory.last(t, "cr")

	sock.push(CredsUpdate{Creds: store.Credentials{JID: "919876543210:2@s.whatsapp.net", Registered: true}})
	h.flush(t, sock)

	creds, err := h.sessions.LoadCreds("cr")
	require.NoError(t, err)
	assert.True(t, creds.Registered)
	assert.Equal(t, "919876543210:2@s.whatsapp.net", creds.JID)
}

func TestMessageStatusGoesToEventStreamOnly(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "mu", WebhookURL: "http://hook"})
	sock := h.factory.last(t, "mu")

	h.flush(t, sock)
	assert.Equal(t, 1, h.bus.count(EventMessageUpdate))
	assert.Empty(t, h.hooks.byEvent(EventMessageUpdate))
}

func TestDispatchIgnoresUnknownEvents(t *testing.T) {
	h := newHarness(t)
	h.create(t, CreateAccountRequest{ID: "p"})
	sock := h.factory.last(t, "p")

	assert.NotPanics(t, func() { h.m.dispatch("p", 0, nil) })
	h.flush(t, sock)
	assert.Equal(t, StatusConnecting, h.status("p"))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want DisconnectCause
	}{
		{"nil", nil, CauseUnknown},
		{"dns", &net.DNSError{Err: "no such host", Name: "web.whatsapp.com"}, CauseNetworkUnreachable},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, CauseNetworkUnreachable},
		{"unreachable", syscall.ENETUNREACH, CauseNetworkUnreachable},
		{"deadline", context.DeadlineExceeded, CauseTimedOut},
		{"other", errors.New("websocket: close 1006"), CauseConnectionClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestDisconnectCauseTerminal(t *testing.T) {
	assert.True(t, CauseLoggedOut.Terminal())
	assert.True(t, CauseBadSession.Terminal())
	for _, c := range []DisconnectCause{CauseConnectionClosed, CauseConnectionLost, CauseConnectionReplaced, CauseTimedOut, CauseRestartRequired, CauseRateLimited, CauseNetworkUnreachable} {
		assert.False(t, c.Terminal(), c.String())
	}
}
