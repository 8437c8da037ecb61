package ws

import (
	"time"

	"github.com/HerbHall/sitebackup/internal/event"
)

// MessageType discriminates WebSocket messages. Values match the event
// topics published by the backup service.
type MessageType string

const (
	MessageBackupCreated    MessageType = "backup.created"
	MessageBackupDeleted    MessageType = "backup.deleted"
	MessageRestoreStarted   MessageType = "restore.started"
	MessageRestoreCompleted MessageType = "restore.completed"
	MessageRestoreFailed    MessageType = "restore.failed"
	MessageCleanupCompleted MessageType = "cleanup.completed"
)

var forwarded = map[string]MessageType{
	string(MessageBackupCreated):    MessageBackupCreated,
	string(MessageBackupDeleted):    MessageBackupDeleted,
	string(MessageRestoreStarted):   MessageRestoreStarted,
	string(MessageRestoreCompleted): MessageRestoreCompleted,
	string(MessageRestoreFailed):    MessageRestoreFailed,
	string(MessageCleanupCompleted): MessageCleanupCompleted,
}

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// messageFor converts a bus event, reporting false for topics that are not
// streamed to clients.
func messageFor(e event.Event) (Message, bool) {
	t, ok := forwarded[e.Topic]
	if !ok {
		return Message{}, false
	}
	return Message{Type: t, Timestamp: e.Timestamp, Data: e.Payload}, true
}
