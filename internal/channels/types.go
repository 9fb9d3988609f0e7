package channels

// Wire types of the Bot API. Only the fields the adapter reads are declared.

// Update is one event envelope delivered by webhook or getUpdates.
type Update struct {
	UpdateID                int64                    `json:"update_id"`
	Message                 *Message                 `json:"message,omitempty"`
	EditedMessage           *Message                 `json:"edited_message,omitempty"`
	BusinessConnection      *BusinessConnection      `json:"business_connection,omitempty"`
	BusinessMessage         *Message                 `json:"business_message,omitempty"`
	EditedBusinessMessage   *Message                 `json:"edited_business_message,omitempty"`
	DeletedBusinessMessages *BusinessMessagesDeleted `json:"deleted_business_messages,omitempty"`
}

// UpdateKind enumerates the update variants the adapter handles.
type UpdateKind int

const (
	KindUnknown UpdateKind = iota
	KindMessage
	KindEditedMessage
	KindBusinessConnection
	KindBusinessMessage
	KindEditedBusinessMessage
	KindDeletedBusinessMessages
)

func (k UpdateKind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEditedMessage:
		return "edited_message"
	case KindBusinessConnection:
		return "business_connection"
	case KindBusinessMessage:
		return "business_message"
	case KindEditedBusinessMessage:
		return "edited_business_message"
	case KindDeletedBusinessMessages:
		return "deleted_business_messages"
	default:
		return "unknown"
	}
}

// Kind reports which variant u carries. An update carries exactly one.
func (u *Update) Kind() UpdateKind {
	switch {
	case u.Message != nil:
		return KindMessage
	case u.EditedMessage != nil:
		return KindEditedMessage
	case u.BusinessConnection != nil:
		return KindBusinessConnection
	case u.BusinessMessage != nil:
		return KindBusinessMessage
	case u.EditedBusinessMessage != nil:
		return KindEditedBusinessMessage
	case u.DeletedBusinessMessages != nil:
		return KindDeletedBusinessMessages
	default:
		return KindUnknown
	}
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type Message struct {
	MessageID            int64  `json:"message_id"`
	From                 *User  `json:"from,omitempty"`
	Chat                 Chat   `json:"chat"`
	Date                 int64  `json:"date"`
	EditDate             int64  `json:"edit_date,omitempty"`
	BusinessConnectionID string `json:"business_connection_id,omitempty"`
	Text                 string `json:"text,omitempty"`
	Caption              string `json:"caption,omitempty"`

	Photo    []PhotoSize `json:"photo,omitempty"`
	Video    *Video      `json:"video,omitempty"`
	Audio    *Audio      `json:"audio,omitempty"`
	Voice    *Voice      `json:"voice,omitempty"`
	Document *Document   `json:"document,omitempty"`
	Sticker  *Sticker    `json:"sticker,omitempty"`
}

type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Video struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Audio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

type Sticker struct {
	FileID   string `json:"file_id"`
	Emoji    string `json:"emoji,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// BusinessConnection is the platform's view of a business connection grant.
// Older API versions report can_reply at the top level, newer ones under
// rights.
type BusinessConnection struct {
	ID         string             `json:"id"`
	User       User               `json:"user"`
	UserChatID int64              `json:"user_chat_id"`
	Date       int64              `json:"date"`
	CanReply   bool               `json:"can_reply"`
	Rights     *BusinessBotRights `json:"rights,omitempty"`
	IsEnabled  bool               `json:"is_enabled"`
}

type BusinessBotRights struct {
	CanReply bool `json:"can_reply"`
}

// Replies reports whether the grant allows the bot to answer.
func (b *BusinessConnection) Replies() bool {
	if b.Rights != nil {
		return b.Rights.CanReply
	}
	return b.CanReply
}

type BusinessMessagesDeleted struct {
	BusinessConnectionID string  `json:"business_connection_id"`
	Chat                 Chat    `json:"chat"`
	MessageIDs           []int64 `json:"message_ids"`
}

// WebhookInfo is returned by getWebhookInfo.
type WebhookInfo struct {
	URL                  string `json:"url"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
}
