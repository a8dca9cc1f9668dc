package bus

import "time"

// Event kinds published by the client core. Subscribers match on prefix,
// so a "message." subscription receives every message-level event.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindRosterUpdated     = "roster.updated"
	KindNotifyUpdated     = "notify.updated"
	KindNotifyUnread      = "notify.unread_changed"
	KindStatusChanged     = "session.status_changed"
)

// Event is a domain event published on the bus. Payload shape depends on Kind.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Emit builds an event with the current timestamp.
func Emit(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
