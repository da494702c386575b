// Package notify is the UI-facing alert surface: unread messages outside the
// open conversation and call outcome notices. The default implementation
// logs; a UI layer substitutes its own.
package notify

import (
	"log"

	"github.com/parleyhq/parley/internal/chat"
)

// Logger satisfies both chat.Notifier and call.Notifier.
type Logger struct{}

func (Logger) MessageReceived(conversationID string, msg *chat.Message) {
	log.Printf("NOTIFY: new message in %s from %s", conversationID, msg.SenderID)
}

func (Logger) CallEnded(peerID, reason string) {
	log.Printf("NOTIFY: call with %s ended: %s", peerID, reason)
}
