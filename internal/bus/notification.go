package bus

// Notification is one entry of notifications.jsonl.
type Notification struct {
	ID    string         `json:"id"`
	TS    int64          `json:"ts"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// AppendNotification appends n to notifications.jsonl.
func (b *Bus) AppendNotification(n Notification) error {
	return appendLine(b.path(notificationsFile), n)
}

// ReadNotificationsFrom reads every notification at or after byteOffset.
// Two consecutive calls with the same offset return the same set: at
// least once, never fewer.
func (b *Bus) ReadNotificationsFrom(byteOffset int64) ([]Notification, int64, error) {
	return readFrom[Notification](b.path(notificationsFile), byteOffset)
}
