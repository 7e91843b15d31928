package bus

import (
	"github.com/google/uuid"
)

func newID() string {
	return uuid.NewString()
}

// Notify publishes a structured progress/log notification.
// progress is nil for plain log lines; otherwise it is clamped to 0-100.
func (b *Bus) Notify(agent string, severity Severity, message string, progress *int) {
	action := ActionLog
	if progress != nil {
		p := *progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		progress = &p
		action = ActionProgress
	}

	kind := KindNotification
	if severity == SeverityError {
		kind = KindError
	}

	b.Publish(Message{
		From:   agent,
		Kind:   kind,
		Action: action,
		Payload: Notification{
			Agent:    agent,
			Severity: severity,
			Message:  message,
			Progress: progress,
		},
	})
}

// Progress is a convenience for Notify with a progress value.
func Progress(p int) *int {
	return &p
}
