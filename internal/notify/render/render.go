// Package render builds the per-chat rendition of one notification.
//
// The base text and send options are fixed once per change event; only the
// optional per-subscriber role tag varies.
package render

import (
	kit "rosterbot/internal/transport"
)

// Message is a fully rendered notification for one chat.
type Message struct {
	Text    string
	Options *kit.SendOptions
}

// Notice is the role-tag variant of a renderable notification: shared base
// text plus an optional mention prefix per subscriber.
type Notice struct {
	base Message
}

func New(text string, opt *kit.SendOptions) *Notice {
	return &Notice{base: Message{Text: text, Options: opt}}
}

// For renders the notice for one subscriber. An empty role tag yields the
// base message unchanged.
func (n *Notice) For(roleTag string) Message {
	if roleTag == "" {
		return n.base
	}
	return Message{Text: roleTag + " " + n.base.Text, Options: n.base.Options}
}

// Base returns the role-less rendition (used for message edits, where the
// original mention should not be repeated).
func (n *Notice) Base() Message { return n.base }
