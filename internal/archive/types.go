package archive

import "time"

// Context scopes every archive operation to one tenant and the participant
// acting in it. It is comparable and used as a map key.
type Context struct {
	Tenant      string
	Participant string
}

func (c Context) String() string {
	return c.Tenant + "/" + c.Participant
}

// ChatSummary is the remote digest of a chat, produced fresh on every listing.
type ChatSummary struct {
	ID                 string
	Version            int64
	ThreadVersion      int64
	LastMessageVersion int64 // 0 when the remote does not report it
	CreatedAt          *time.Time
	Title              *string
}

// Location identifies where a chat's messages live in the container store.
// Validity changes when the container is recreated out of band.
type Location struct {
	Container string `json:"container"`
	Validity  uint32 `json:"validity"`
}

// ChatIndexEntry is the persisted counterpart of a ChatSummary.
type ChatIndexEntry struct {
	ID                 string     `json:"id"`
	Version            int64      `json:"version"`
	ThreadVersion      int64      `json:"thread_version"`
	LastMessageVersion int64      `json:"last_message_version"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	Title              *string    `json:"title,omitempty"`
	Location           Location   `json:"location"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// EntryFromSummary builds the index entry that records s as archived at loc.
func EntryFromSummary(s ChatSummary, loc Location) ChatIndexEntry {
	return ChatIndexEntry{
		ID:                 s.ID,
		Version:            s.Version,
		ThreadVersion:      s.ThreadVersion,
		LastMessageVersion: s.LastMessageVersion,
		CreatedAt:          s.CreatedAt,
		Title:              s.Title,
		Location:           loc,
	}
}

// Participant is an identity reference on a message. DisplayName holds a
// placeholder until Resolved is true.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Resolved    bool   `json:"resolved"`
}

// Message is one archived chat message. Subject, HTMLBody and TextBody are the
// only fields rewritten after the message is stored.
type Message struct {
	ID               string
	ChatID           string
	Version          int64
	ArrivalTime      time.Time
	Subject          string
	HTMLBody         string
	TextBody         string
	From             []Participant
	To               []Participant
	InlineContentIDs []string
	// Unresolved marks messages still carrying identity placeholders.
	Unresolved bool
}

// Identity maps a participant identifier to a display name.
type Identity struct {
	ParticipantID  string
	DisplayName    *string
	LastObservedAt time.Time
}

// Name returns the display name or "" when unresolved.
func (i Identity) Name() string {
	if i.DisplayName == nil {
		return ""
	}
	return *i.DisplayName
}

// PushedMessage is delivered by the notification source for live ingestion.
type PushedMessage struct {
	Context Context
	ChatID  string
	Message Message
}
