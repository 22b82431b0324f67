package accounts

import (
	"fmt"
	"time"
)

// Status is the connection status of an account.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Disconnect reasons reported in account-disconnected payloads.
const (
	ReasonLoggedOut   = "logged_out"
	ReasonForceLogout = "force_logout"
	ReasonManual      = "manual"
	ReasonQRTimeout   = "qr_timeout"
)

// Account is a point-in-time snapshot of a registry entry.
type Account struct {
	ID                string      `json:"id"`
	PhoneNumber       string      `json:"phoneNumber,omitempty"`
	Status            Status      `json:"status"`
	SessionPath       string      `json:"sessionPath"`
	QRCode            string      `json:"qrCode,omitempty"`
	PairingCode       string      `json:"pairingCode,omitempty"`
	UsePairingCode    bool        `json:"usePairingCode"`
	WebhookURL        string      `json:"webhookUrl,omitempty"`
	LastConnected     *time.Time  `json:"lastConnected,omitempty"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
	DeviceInfo        *DeviceInfo `json:"deviceInfo,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// DeviceInfo is captured from the socket identity when a connection opens.
type DeviceInfo struct {
	UserName string `json:"userName,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type CreateAccountRequest struct {
	ID             string `json:"id,omitempty"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	WebhookURL     string `json:"webhookUrl,omitempty"`
	UsePairingCode bool   `json:"usePairingCode"`
}

type SendRequest struct {
	To      string         `json:"to"`
	Message MessageContent `json:"message"`
}

// MessageContent is a tagged union: exactly one field must be set.
type MessageContent struct {
	Text     string           `json:"text,omitempty"`
	Image    *MediaMessage    `json:"image,omitempty"`
	Video    *MediaMessage    `json:"video,omitempty"`
	Audio    *MediaMessage    `json:"audio,omitempty"`
	Document *MediaMessage    `json:"document,omitempty"`
	Location *LocationMessage `json:"location,omitempty"`
}

// MediaMessage carries media either as a fetchable URL or as a base64 data URL.
type MediaMessage struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	FileName string `json:"fileName,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
}

type LocationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Kind returns the name of the populated variant, or "" unless exactly one is set.
func (c MessageContent) Kind() string {
	kinds := make([]string, 0, 1)
	if c.Text != "" {
		kinds = append(kinds, "text")
	}
	if c.Image != nil {
		kinds = append(kinds, "image")
	}
	if c.Video != nil {
		kinds = append(kinds, "video")
	}
	if c.Audio != nil {
		kinds = append(kinds, "audio")
	}
	if c.Document != nil {
		kinds = append(kinds, "document")
	}
	if c.Location != nil {
		kinds = append(kinds, "location")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// Validate returns an error wrapping ErrInvalidMessageType for malformed content.
func (c MessageContent) Validate() error {
	kind := c.Kind()
	if kind == "" {
		return fmt.Errorf("%w: exactly one of text, image, video, audio, document, location is required", ErrInvalidMessageType)
	}
	var media *MediaMessage
	switch kind {
	case "image":
		media = c.Image
	case "video":
		media = c.Video
	case "audio":
		media = c.Audio
	case "document":
		media = c.Document
	}
	if media != nil && media.URL == "" && media.Data == "" {
		return fmt.Errorf("%w: %s needs url or data", ErrInvalidMessageType, kind)
	}
	return nil
}

type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

type SessionStats struct {
	Total       int          `json:"total"`
	Active      int          `json:"active"`
	Stale       int          `json:"stale"`
	OldSessions []OldSession `json:"oldSessions"`
}

type OldSession struct {
	AccountID    string    `json:"accountId"`
	Path         string    `json:"path"`
	LastModified time.Time `json:"lastModified"`
	AgeHours     float64   `json:"ageHours"`
}

// Webhook and event stream payload types.
const (
	EventConnectionUpdate    = "connection-update"
	EventMessageReceived     = "message-received"
	EventMessageUpdate       = "message-update"
	EventAccountDisconnected = "account-disconnected"
)

// WebhookPayload is POSTed to an account's webhook and published on the event stream.
type WebhookPayload struct {
	Event       string                `json:"event"`
	AccountID   string                `json:"accountId"`
	Status      Status                `json:"status,omitempty"`
	QR          string                `json:"qr,omitempty"`
	PairingCode string                `json:"pairingCode,omitempty"`
	Message     *InboundMessage       `json:"message,omitempty"`
	Updates     []MessageStatusUpdate `json:"updates,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}
