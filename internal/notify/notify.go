// Package notify is the boundary to the push-notification subsystem. The
// chat core only signals which offline users missed a message; actual
// delivery is owned by the collaborator behind the interface.
package notify

import (
	"log"

	"github.com/go-groupchat/groupchat/internal/types"
)

type Notifier interface {
	NotifyNewMessage(roomId string, recipients []int, msg types.Message)
}

// LogNotifier is the default implementation used when no push backend is
// configured.
type LogNotifier struct {
	log *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) NotifyNewMessage(roomId string, recipients []int, msg types.Message) {
	if len(recipients) == 0 {
		return
	}
	n.log.Printf("notify offline recipients %v of message %q in room %q", recipients, msg.Id, roomId)
}
