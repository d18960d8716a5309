package tutorbot

import (
	"strings"

	"github.com/tidwall/gjson"
)

// MessageTypeText is the only inbound message type the tutor answers.
const MessageTypeText = "text"

// InboundMessage is a webhook payload reduced to what the tutor needs.
type InboundMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
	Type string `json:"type"`
	// Provider names the payload shape that produced the message: gupshup, ultramsg or generic.
	Provider string `json:"provider,omitempty"`
}

// Processable reports whether the message is a text message with a sender and a body.
func (m InboundMessage) Processable() bool {
	return m.Type == MessageTypeText && m.From != "" && strings.TrimSpace(m.Text) != ""
}

// firstString returns the first non-empty string among paths.
func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// ParseInbound extracts the sender, text and type from a webhook body. Gupshup, UltraMsg and a
// generic flat shape are recognised; when a body matches several, the later shape in that order
// wins. The bool result is Processable on the parsed message.
func ParseInbound(body []byte) (InboundMessage, bool) {
	if !gjson.ValidBytes(body) {
		return InboundMessage{}, false
	}
	root := gjson.ParseBytes(body)

	var msg InboundMessage
	if payload := root.Get("payload"); payload.Exists() && payload.Type != gjson.Null {
		msg = InboundMessage{
			From:     firstString(payload, "sender.phone", "from"),
			Text:     firstString(payload, "payload.text", "text"),
			Type:     payload.Get("type").String(),
			Provider: "gupshup",
		}
	}

	if data := root.Get("data"); data.Exists() && data.Type != gjson.Null {
		msg = InboundMessage{
			From:     data.Get("from").String(),
			Text:     data.Get("body").String(),
			Type:     data.Get("type").String(),
			Provider: "ultramsg",
		}
	}

	if from := firstString(root, "from", "sender"); from != "" {
		msg = InboundMessage{
			From:     from,
			Text:     firstString(root, "body", "message", "text"),
			Type:     firstString(root, "type"),
			Provider: "generic",
		}
		if msg.Type == "" {
			msg.Type = MessageTypeText
		}
	}

	return msg, msg.Processable()
}
