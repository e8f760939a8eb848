package teams

import (
	"encoding/json"
	"strings"
)

// Activity types handled by the connector.
const (
	TypeMessage            = "message"
	TypeTyping             = "typing"
	TypeConversationUpdate = "conversationUpdate"
)

const (
	contentTypeAdaptiveCard = "application/vnd.microsoft.card.adaptive"
	contentTypeFileDownload = "application/vnd.microsoft.teams.file.download.info"
	contentTypeHTML         = "text/html"
)

// ChannelAccount identifies a user or bot.
type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AadObjectID string `json:"aadObjectId,omitempty"`
}

// ConversationAccount identifies a conversation.
type ConversationAccount struct {
	ID               string `json:"id"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

// Attachment is an activity attachment.
type Attachment struct {
	ContentType string          `json:"contentType"`
	ContentURL  string          `json:"contentUrl,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Name        string          `json:"name,omitempty"`
}

// Activity is the Bot Framework message envelope (the subset used here).
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Locale       string              `json:"locale,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	Value        json.RawMessage     `json:"value,omitempty"`
}

// Member is a conversation member as returned by the connector API.
type Member struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	UserPrincipalName string `json:"userPrincipalName"`
	AadObjectID       string `json:"aadObjectId"`
}

type fileDownloadInfo struct {
	DownloadURL string `json:"downloadUrl"`
	FileType    string `json:"fileType"`
}

type resourceResponse struct {
	ID string `json:"id"`
}

// stripMentions removes <at>…</at> mention markup from message text.
func stripMentions(s string) string {
	for {
		start := strings.Index(s, "<at>")
		if start < 0 {
			return strings.TrimSpace(s)
		}
		end := strings.Index(s[start:], "</at>")
		if end < 0 {
			return strings.TrimSpace(s)
		}
		s = s[:start] + s[start+end+len("</at>"):]
	}
}
