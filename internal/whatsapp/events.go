package whatsapp

import (
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
	sessions "github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

// translate maps a whatsmeow event onto zero or more socket events.
func translate(raw any, identity func() accounts.DeviceIdentity) []accounts.Event {
	switch v := raw.(type) {
	case *events.Connected:
		id := identity()
		return []accounts.Event{
			accounts.CredsUpdate{Creds: sessions.Credentials{
				JID:        id.JID,
				PushName:   id.PushName,
				Platform:   id.Platform,
				Registered: id.JID != "",
			}},
			accounts.ConnectionUpdate{Connection: accounts.ConnectionOpen},
		}

	case *events.PairSuccess:
		return []accounts.Event{accounts.CredsUpdate{Creds: sessions.Credentials{
			JID:        v.ID.String(),
			Platform:   v.Platform,
			Registered: true,
		}}}

	case *events.LoggedOut:
		return closed(accounts.CauseLoggedOut, int(v.Reason), fmt.Errorf("logged out: %s", v.Reason))

	case *events.Disconnected:
		return closed(accounts.CauseConnectionLost, 0, errors.New("connection lost"))

	case *events.StreamReplaced:
		return closed(accounts.CauseConnectionReplaced, 0, errors.New("stream replaced by another client"))

	case *events.TemporaryBan:
		return closed(accounts.CauseRateLimited, int(v.Code), errors.New(v.String()))

	case *events.ConnectFailure:
		cause := accounts.CauseConnectionClosed
		switch {
		case v.Reason == events.ConnectFailureTempBanned:
			cause = accounts.CauseRateLimited
		case v.Reason.IsLoggedOut():
			cause = accounts.CauseLoggedOut
		}
		return closed(cause, int(v.Reason), fmt.Errorf("connect failure %d: %s", int(v.Reason), v.Message))

	case *events.Message:
		return []accounts.Event{accounts.MessagesUpsert{Messages: []accounts.InboundMessage{inbound(v)}}}

	case *events.Receipt:
		status := receiptStatus(v.Type)
		if status == "" || len(v.MessageIDs) == 0 {
			return nil
		}
		return []accounts.Event{accounts.MessagesUpdate{Updates: []accounts.MessageStatusUpdate{{
			MessageIDs: v.MessageIDs,
			Chat:       v.Chat.String(),
			Status:     status,
			Timestamp:  v.Timestamp,
		}}}}
	}
	return nil
}

func closed(cause accounts.DisconnectCause, code int, err error) []accounts.Event {
	return []accounts.Event{accounts.ConnectionUpdate{
		Connection:     accounts.ConnectionClose,
		LastDisconnect: &accounts.LastDisconnect{Cause: cause, Code: code, Err: err},
	}}
}

func receiptStatus(t types.ReceiptType) string {
	switch t {
	case types.ReceiptTypeDelivered:
		return "delivered"
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return "read"
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		return "played"
	case types.ReceiptTypeSender:
		return "sent"
	}
	return ""
}

func inbound(evt *events.Message) accounts.InboundMessage {
	kind, text := describe(evt.Message)
	return accounts.InboundMessage{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.String(),
		From:      evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		Type:      kind,
		Text:      text,
		IsGroup:   evt.Info.IsGroup,
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}
}

// describe returns the message kind and its human readable text, if any.
func describe(m *waE2E.Message) (string, string) {
	switch {
	case m == nil:
		return "unknown", ""
	case m.Conversation != nil:
		return "text", m.GetConversation()
	case m.ExtendedTextMessage != nil:
		return "text", m.GetExtendedTextMessage().GetText()
	case m.ImageMessage != nil:
		return "image", m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return "video", m.GetVideoMessage().GetCaption()
	case m.AudioMessage != nil:
		return "audio", ""
	case m.DocumentMessage != nil:
		return "document", m.GetDocumentMessage().GetCaption()
	case m.LocationMessage != nil:
		return "location", m.GetLocationMessage().GetName()
	case m.StickerMessage != nil:
		return "sticker", ""
	case m.ContactMessage != nil:
		return "contact", m.GetContactMessage().GetDisplayName()
	case m.ReactionMessage != nil:
		return "reaction", m.GetReactionMessage().GetText()
	}
	return "unknown", ""
}
