package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jholhewres/leadclaw/pkg/leadclaw/channels"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"
)

// buildTextMessage builds a text message proto, as a reply if replyTo is set.
func buildTextMessage(content, replyTo string) *waProto.Message {
	if replyTo == "" {
		return &waProto.Message{
			Conversation: proto.String(content),
		}
	}
	return &waProto.Message{
		ExtendedTextMessage: &waProto.ExtendedTextMessage{
			Text: proto.String(content),
			ContextInfo: &waProto.ContextInfo{
				StanzaID: proto.String(replyTo),
			},
		},
	}
}

// buildMediaMessage uploads the media blob to WhatsApp servers and builds
// the matching message proto.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, media *channels.MediaMessage) (*waProto.Message, error) {
	var mediaType whatsmeow.MediaType
	switch media.Type {
	case channels.MessageImage:
		mediaType = whatsmeow.MediaImage
	case channels.MessageAudio:
		mediaType = whatsmeow.MediaAudio
	case channels.MessageVideo:
		mediaType = whatsmeow.MediaVideo
	case channels.MessageDocument:
		mediaType = whatsmeow.MediaDocument
	default:
		return nil, fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, media.Type)
	}

	uploaded, err := w.client.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(media.Data)
	}

	switch media.Type {
	case channels.MessageImage:
		return &waProto.Message{
			ImageMessage: &waProto.ImageMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(mimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
				Caption:       proto.String(media.Caption),
			},
		}, nil

	case channels.MessageAudio:
		return &waProto.Message{
			AudioMessage: &waProto.AudioMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(mimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
			},
		}, nil

	case channels.MessageVideo:
		return &waProto.Message{
			VideoMessage: &waProto.VideoMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(mimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
				Caption:       proto.String(media.Caption),
			},
		}, nil

	default: // document
		return &waProto.Message{
			DocumentMessage: &waProto.DocumentMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(mimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
				FileName:      proto.String(media.Filename),
				Caption:       proto.String(media.Caption),
			},
		}, nil
	}
}
