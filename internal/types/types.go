package types

// User is the identity extracted from a verified credential. It is
// immutable once a session is created.
type User struct {
	Id      string `json:"id"`
	Name    string `json:"name"`
	IsGuest bool   `json:"is_guest"`
}

// PresenceRecord describes one online user as stored in the shared
// presence store. A record absent from the store means offline.
type PresenceRecord struct {
	UserId    string `json:"user_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Message is a relayed chat message. It is never stored beyond delivery.
type Message struct {
	Id          string `json:"id"`
	SenderId    string `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	Target      string `json:"target"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Timestamp   int64  `json:"timestamp"`
}
