package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message is an inbound text message from a channel. Immutable once published.
type Message struct {
	ID          string       `json:"id"`
	Channel     string       `json:"channel"`
	Sender      string       `json:"sender"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// NewMessage stamps a fresh id and timestamp.
func NewMessage(channel, sender, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// Response is the payload of a message:response event.
type Response struct {
	ID          string       `json:"id"`
	Channel     string       `json:"channel"`
	Sender      string       `json:"sender"`
	Text        string       `json:"text"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
}

// ToolResult is one entry of the tool log returned alongside a reply.
type ToolResult struct {
	Tool   string         `json:"tool"`
	Input  map[string]any `json:"input"`
	Output string         `json:"output"`
}

// ApprovalRequest is the payload of an approval:request event.
type ApprovalRequest struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Input     string `json:"input"`
	Session   string `json:"session"`
	Requester string `json:"requester"`
}

// ApprovalDecision is the payload of an approval:decide event.
type ApprovalDecision struct {
	ID       string `json:"id"`
	Decision string `json:"decision"` // allow | deny
	By       string `json:"by,omitempty"`
}
