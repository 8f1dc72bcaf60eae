package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Sender sends outbound messages through one device's client.
type Sender struct {
	cli *whatsmeow.Client
}

func parseRecipient(to string) (waTypes.JID, error) {
	if !strings.Contains(to, "@") {
		to = to + "@s.whatsapp.net"
	}
	jid, err := waTypes.ParseJID(to)
	if err != nil {
		return waTypes.JID{}, fmt.Errorf("registry: parse recipient %q: %w", to, err)
	}
	return jid, nil
}

// SendText delivers a plain conversation message. When typing is set the
// recipient sees a composing presence for a content-proportional interval
// before the message lands.
func (s *Sender) SendText(ctx context.Context, to, content string, typing time.Duration) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}

	if typing > 0 {
		if err := s.cli.SendChatPresence(ctx, jid, waTypes.ChatPresenceComposing, waTypes.ChatPresenceMediaText); err != nil {
			zap.L().Debug("registry: composing presence failed", zap.Error(err))
		}
		select {
		case <-time.After(typing):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := s.cli.SendChatPresence(ctx, jid, waTypes.ChatPresencePaused, waTypes.ChatPresenceMediaText); err != nil {
			zap.L().Debug("registry: paused presence failed", zap.Error(err))
		}
	}

	msg := &waE2E.Message{Conversation: proto.String(content)}
	if _, err := s.cli.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("registry: send text: %w", err)
	}
	return nil
}

// SendMedia uploads the payload and delivers it as an image or document
// message depending on the detected content type.
func (s *Sender) SendMedia(ctx context.Context, to string, payload []byte, mediaType, caption string) error {
	jid, err := parseRecipient(to)
	if err != nil {
		return err
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(payload)
	}

	var msg *waE2E.Message
	if strings.HasPrefix(mediaType, "image/") {
		up, err := s.cli.Upload(ctx, payload, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("registry: upload image: %w", err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mediaType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	} else {
		up, err := s.cli.Upload(ctx, payload, whatsmeow.MediaDocument)
		if err != nil {
			return fmt.Errorf("registry: upload document: %w", err)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mediaType),
			FileName:      proto.String("document"),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	if _, err := s.cli.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("registry: send media: %w", err)
	}
	return nil
}
