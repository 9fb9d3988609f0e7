package channels

import (
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/relaydesk/internal/bus"
)

// ConversationID builds the stable conversation id of a chat.
func ConversationID(platform string, chatID int64) string {
	return platform + ":" + strconv.FormatInt(chatID, 10)
}

// ChatIDFromConversation is the inverse of ConversationID.
func ChatIDFromConversation(conversationID string) (int64, bool) {
	i := strings.LastIndexByte(conversationID, ':')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(conversationID[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ConvertToNormalized maps a platform message onto the transport-neutral
// form. Attachment kind precedence is photo, video, audio, voice, document,
// sticker, then plain text; media captions become the text content.
func ConvertToNormalized(platform string, raw *Message, isBusiness bool) *bus.InboundMessage {
	msg := &bus.InboundMessage{
		ID:             bus.NewMessageID(),
		Platform:       platform,
		ConversationID: ConversationID(platform, raw.Chat.ID),
		UserID:         strconv.FormatInt(raw.Chat.ID, 10),
		Timestamp:      time.Unix(raw.Date, 0).UTC(),
		Meta: bus.PlatformMeta{
			ConnectionID: raw.BusinessConnectionID,
			IsBusiness:   isBusiness,
			ChatID:       raw.Chat.ID,
			MessageID:    raw.MessageID,
			Edited:       raw.EditDate != 0,
		},
	}
	if raw.Date == 0 {
		msg.Timestamp = time.Now().UTC()
	}
	if raw.From != nil {
		msg.UserID = strconv.FormatInt(raw.From.ID, 10)
		msg.Meta.FromName = strings.TrimSpace(raw.From.FirstName + " " + raw.From.LastName)
		msg.Meta.Username = raw.From.Username
		msg.Meta.LanguageCode = raw.From.LanguageCode
	}

	switch {
	case len(raw.Photo) > 0:
		largest := raw.Photo[len(raw.Photo)-1]
		msg.ContentType = bus.ContentImage
		msg.Media = []bus.Media{{FileID: largest.FileID, Size: largest.FileSize}}
	case raw.Video != nil:
		msg.ContentType = bus.ContentVideo
		msg.Media = []bus.Media{{FileID: raw.Video.FileID, FileName: raw.Video.FileName, MimeType: raw.Video.MimeType, Size: raw.Video.FileSize, Duration: raw.Video.Duration}}
	case raw.Audio != nil:
		msg.ContentType = bus.ContentAudio
		msg.Media = []bus.Media{{FileID: raw.Audio.FileID, FileName: raw.Audio.FileName, MimeType: raw.Audio.MimeType, Size: raw.Audio.FileSize, Duration: raw.Audio.Duration}}
	case raw.Voice != nil:
		msg.ContentType = bus.ContentVoice
		msg.Media = []bus.Media{{FileID: raw.Voice.FileID, MimeType: raw.Voice.MimeType, Size: raw.Voice.FileSize, Duration: raw.Voice.Duration}}
	case raw.Document != nil:
		msg.ContentType = bus.ContentDocument
		msg.Media = []bus.Media{{FileID: raw.Document.FileID, FileName: raw.Document.FileName, MimeType: raw.Document.MimeType, Size: raw.Document.FileSize}}
	case raw.Sticker != nil:
		msg.ContentType = bus.ContentSticker
		msg.Media = []bus.Media{{FileID: raw.Sticker.FileID, Size: raw.Sticker.FileSize, Emoji: raw.Sticker.Emoji}}
	default:
		msg.ContentType = bus.ContentText
	}

	if msg.ContentType == bus.ContentText {
		msg.Content = raw.Text
	} else {
		msg.Content = raw.Caption
	}
	return msg
}
