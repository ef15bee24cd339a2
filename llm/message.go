package llm

import "encoding/base64"

// Role represents the role of a message sender in a conversation.
type Role string

const (
	// RoleSystem carries judge or extractor instructions.
	RoleSystem Role = "system"

	// RoleUser carries the claim, evidence and answer text.
	RoleUser Role = "user"

	// RoleAssistant carries earlier model output, used when asking the model
	// to correct a malformed reply.
	RoleAssistant Role = "assistant"
)

// String returns a string representation of the role.
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is one of the defined constants.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Image is binary image content attached to a user message, such as a page
// screenshot used as visual evidence.
type Image struct {
	// MIMEType is the media type, e.g. "image/jpeg".
	MIMEType string

	// Data holds the raw image bytes.
	Data []byte
}

// DataURL encodes the image as a base64 data URL.
func (i Image) DataURL() string {
	mime := i.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Message represents a single message in a conversation.
type Message struct {
	// Role indicates who sent the message.
	Role Role

	// Content is the text content of the message.
	Content string

	// Images are attached visual inputs. Only valid when Role is RoleUser.
	Images []Image
}

// IsValid validates that the message has appropriate fields set for its role.
func (m Message) IsValid() bool {
	switch m.Role {
	case RoleSystem, RoleAssistant:
		return m.Content != "" && len(m.Images) == 0
	case RoleUser:
		return m.Content != "" || len(m.Images) > 0
	default:
		return false
	}
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user message with optional images.
func UserMessage(content string, images ...Image) Message {
	return Message{Role: RoleUser, Content: content, Images: images}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}
