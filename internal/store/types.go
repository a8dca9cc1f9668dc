package store

// Message delivery states.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Conversation is a cached roster entry with its last-message summary.
type Conversation struct {
	Key                string
	Kind               string
	RemoteID           int64
	DisplayName        string
	Email              string
	Domain             string
	AvatarURL          string
	MemberCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is one entry of a conversation log. ServerID is zero until the
// server confirms the message; LocalID is stable for the whole client session.
type Message struct {
	ID            int64
	ConvKey       string
	LocalID       string
	ServerID      int64
	SenderID      int64
	FromMe        bool
	Body          string
	AttachmentURL string
	Status        string
	SentAt        int64
	MissedPolls   int
}

// Notification is a cached notification-feed entry.
type Notification struct {
	ID        int64
	Kind      string
	Body      string
	Link      string
	IsRead    bool
	CreatedAt int64
}
