package store

import "time"

type User struct {
	ID        string
	Username  string
	AvatarURL string
	Role      string
	CreatedAt time.Time
}

type Project struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

type Document struct {
	ID        string
	ProjectID string
	OwnerID   string
	Title     string
	UpdatedAt time.Time
}

// Snapshot is one immutable, versioned encoding of a durable room's
// replicated state. "Latest" is the maximum version per (ResourceID, Kind).
type Snapshot struct {
	ID         string
	ResourceID string
	Kind       string
	Version    int64
	Payload    []byte
	Compressed bool
	CreatedAt  time.Time
}

// ChatMessage is serialized to clients as-is on history pushes, hence the
// wire tags the other models do not carry.
type ChatMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
