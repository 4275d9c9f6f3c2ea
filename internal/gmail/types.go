package gmail

import "time"

type MessageID string
type LabelID string

// System label IDs the provider relies on.
const (
	LabelInbox  LabelID = "INBOX"
	LabelUnread LabelID = "UNREAD"
)

// Query selects messages for List. LabelIDs are ANDed; Raw is a Gmail
// search expression and may be empty.
type Query struct {
	LabelIDs []LabelID
	Raw      string
}

// ListPage is one page of message IDs.
type ListPage struct {
	IDs           []MessageID
	NextPageToken string
}

// MessageMeta is the metadata-format view of a message.
type MessageMeta struct {
	ID           MessageID
	ThreadID     string
	LabelIDs     []LabelID
	Headers      map[string]string // From, Subject, Date
	Snippet      string
	InternalDate time.Time // zero when the API omitted it
}

// HasLabel reports whether the message carries id.
func (m MessageMeta) HasLabel(id LabelID) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// ModifyOps lists label changes for one message.
type ModifyOps struct {
	AddLabels    []LabelID
	RemoveLabels []LabelID
}
