package search

import "time"

// MessageRecord is the data indexed for one chat message.
type MessageRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Query describes a chat search request, always scoped to one project.
type Query struct {
	ProjectID string
	Text      string
	Limit     int
}

// Response is the envelope pushed back over the chat channel.
type Response struct {
	Results []MessageRecord `json:"results"`
	Total   int             `json:"total"`
	Query   string          `json:"query"`
}
