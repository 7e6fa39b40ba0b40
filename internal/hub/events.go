package hub

import "encoding/json"

// Envelope is the shared operation frame for every module on the event
// channel. The server re-emits it to room peers verbatim apart from room-id
// normalization and chat sender enrichment.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Module    string          `json:"module"`
	RoomID    string          `json:"roomId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
}

// inbound is one client frame on the event channel.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outbound is one server frame on the event channel.
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinRequest struct {
	RoomID  string `json:"roomId"`
	Room    string `json:"room"`
	RoomID2 string `json:"room_id"`
	Module  string `json:"module"`
}

// roomID accepts the field spellings different client generations send.
func (r joinRequest) roomID() string {
	if r.RoomID != "" {
		return r.RoomID
	}
	if r.RoomID2 != "" {
		return r.RoomID2
	}
	return r.Room
}

type batchRequest struct {
	Operations []Envelope `json:"operations"`
}

type batchResult struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

type userJoinedEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	RoomID   string `json:"roomId"`
}

type userLeftEvent struct {
	UserID string `json:"user_id"`
	RoomID string `json:"roomId"`
}

type roomAck struct {
	Room string `json:"room"`
}

type roomStateEvent struct {
	RoomID    string `json:"roomId"`
	Module    string `json:"module"`
	State     string `json:"state"`
	IsInitial bool   `json:"isInitial"`
}

type syncReadyEvent struct {
	RoomID string `json:"room_id"`
	Module string `json:"module"`
}
