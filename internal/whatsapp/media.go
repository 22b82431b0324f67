package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/vincent-petithory/dataurl"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
)

const maxMediaBytes = 64 << 20

type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// mediaLoader resolves media given as a URL or a base64 data URL.
type mediaLoader struct {
	http *resty.Client
}

func (l *mediaLoader) load(ctx context.Context, m *accounts.MediaMessage) ([]byte, string, error) {
	if m.Data != "" {
		du, err := dataurl.DecodeString(m.Data)
		if err != nil {
			return nil, "", fmt.Errorf("%w: decode data url: %v", accounts.ErrInvalidMessageType, err)
		}
		return du.Data, pick(m.Mimetype, du.MediaType.ContentType(), du.Data), nil
	}

	resp, err := l.http.R().SetContext(ctx).Get(m.URL)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("download media: %s returned %d", m.URL, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) > maxMediaBytes {
		return nil, "", fmt.Errorf("%w: media larger than %d bytes", accounts.ErrInvalidMessageType, maxMediaBytes)
	}
	return body, pick(m.Mimetype, resp.Header().Get("Content-Type"), body), nil
}

func pick(explicit, declared string, data []byte) string {
	if explicit != "" {
		return explicit
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return http.DetectContentType(data)
}

type uploaded struct {
	resp whatsmeow.UploadResponse
	mime string
	size uint64
}

func (l *mediaLoader) upload(ctx context.Context, up uploader, m *accounts.MediaMessage, kind whatsmeow.MediaType) (*uploaded, error) {
	data, mime, err := l.load(ctx, m)
	if err != nil {
		return nil, err
	}
	resp, err := up.Upload(ctx, data, kind)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return &uploaded{resp: resp, mime: mime, size: uint64(len(data))}, nil
}

// buildMessage turns validated content into a protocol message, uploading media first.
func buildMessage(ctx context.Context, up uploader, l *mediaLoader, c accounts.MessageContent) (*waE2E.Message, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	switch c.Kind() {
	case "text":
		return &waE2E.Message{Conversation: proto.String(c.Text)}, nil

	case "location":
		loc := c.Location
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(loc.Latitude),
			DegreesLongitude: proto.Float64(loc.Longitude),
			Name:             optional(loc.Name),
			Address:          optional(loc.Address),
		}}, nil

	case "image":
		u, err := l.upload(ctx, up, c.Image, whatsmeow.MediaImage)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(c.Image.Caption),
			Mimetype:      proto.String(u.mime),
			URL:           proto.String(u.resp.URL),
			DirectPath:    proto.String(u.resp.DirectPath),
			MediaKey:      u.resp.MediaKey,
			FileEncSHA256: u.resp.FileEncSHA256,
			FileSHA256:    u.resp.FileSHA256,
			FileLength:    proto.Uint64(u.size),
		}}, nil

	case "video":
		u, err := l.upload(ctx, up, c.Video, whatsmeow.MediaVideo)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(c.Video.Caption),
			Mimetype:      proto.String(u.mime),
			URL:           proto.String(u.resp.URL),
			DirectPath:    proto.String(u.resp.DirectPath),
			MediaKey:      u.resp.MediaKey,
			FileEncSHA256: u.resp.FileEncSHA256,
			FileSHA256:    u.resp.FileSHA256,
			FileLength:    proto.Uint64(u.size),
		}}, nil

	case "audio":
		u, err := l.upload(ctx, up, c.Audio, whatsmeow.MediaAudio)
		if err != nil {
			return nil, err
		}
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(u.mime),
			URL:           proto.String(u.resp.URL),
			DirectPath:    proto.String(u.resp.DirectPath),
			MediaKey:      u.resp.MediaKey,
			FileEncSHA256: u.resp.FileEncSHA256,
			FileSHA256:    u.resp.FileSHA256,
			FileLength:    proto.Uint64(u.size),
			PTT:           proto.Bool(c.Audio.PTT),
		}}, nil

	case "document":
		u, err := l.upload(ctx, up, c.Document, whatsmeow.MediaDocument)
		if err != nil {
			return nil, err
		}
		name := c.Document.FileName
		if name == "" {
			name = "document"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       optional(c.Document.Caption),
			FileName:      proto.String(name),
			Title:         proto.String(name),
			Mimetype:      proto.String(u.mime),
			URL:           proto.String(u.resp.URL),
			DirectPath:    proto.String(u.resp.DirectPath),
			MediaKey:      u.resp.MediaKey,
			FileEncSHA256: u.resp.FileEncSHA256,
			FileSHA256:    u.resp.FileSHA256,
			FileLength:    proto.Uint64(u.size),
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q", accounts.ErrInvalidMessageType, c.Kind())
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
