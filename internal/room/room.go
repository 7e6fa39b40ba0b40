// Package room maps logical resource identifiers to channel rooms and
// enforces who may enter them.
//
// Two channel families share one id namespace: the project-scoped presence
// channel ("project:{projectID}") and the durable collaborative channels
// ("wb:{projectID}", "inquiry:{projectID}", "doc:{documentID}") whose state
// is replicated and persisted.
package room

import "strings"

type Kind string

const (
	KindProject    Kind = "project"
	KindWhiteboard Kind = "whiteboard"
	KindDocument   Kind = "document"
	KindInquiry    Kind = "inquiry"
	KindUnknown    Kind = "unknown"
)

const (
	projectPrefix    = "project:"
	whiteboardPrefix = "wb:"
	documentPrefix   = "doc:"
	inquiryPrefix    = "inquiry:"
)

// Durable reports whether rooms of this kind carry replicated state that
// must be bootstrapped and persisted.
func (k Kind) Durable() bool {
	return k == KindWhiteboard || k == KindDocument || k == KindInquiry
}

// Parse splits a room id into its kind and resource id. An unrecognized
// prefix yields KindUnknown; callers treat that as a deny/no-op signal,
// never as an error.
func Parse(roomID string) (Kind, string) {
	switch {
	case strings.HasPrefix(roomID, projectPrefix):
		return KindProject, roomID[len(projectPrefix):]
	case strings.HasPrefix(roomID, whiteboardPrefix):
		return KindWhiteboard, roomID[len(whiteboardPrefix):]
	case strings.HasPrefix(roomID, documentPrefix):
		return KindDocument, roomID[len(documentPrefix):]
	case strings.HasPrefix(roomID, inquiryPrefix):
		return KindInquiry, roomID[len(inquiryPrefix):]
	default:
		return KindUnknown, ""
	}
}

// Build is the inverse of Parse for every valid kind.
func Build(kind Kind, resourceID string) string {
	switch kind {
	case KindProject:
		return projectPrefix + resourceID
	case KindWhiteboard:
		return whiteboardPrefix + resourceID
	case KindDocument:
		return documentPrefix + resourceID
	case KindInquiry:
		return inquiryPrefix + resourceID
	default:
		return ""
	}
}

// Normalize prefixes a bare resource id according to the operation's
// module. Ids that already carry a known prefix pass through unchanged.
func Normalize(roomID, module string) string {
	if kind, _ := Parse(roomID); kind != KindUnknown {
		return roomID
	}
	switch module {
	case "inquiry":
		return inquiryPrefix + roomID
	case "document":
		return documentPrefix + roomID
	case "whiteboard", "collaboration":
		return whiteboardPrefix + roomID
	default:
		return projectPrefix + roomID
	}
}

// KindForModule returns the durable kind served by a module, or KindUnknown
// for modules without replicated state (chat, presence).
func KindForModule(module string) Kind {
	switch module {
	case "whiteboard", "collaboration":
		return KindWhiteboard
	case "document":
		return KindDocument
	case "inquiry":
		return KindInquiry
	default:
		return KindUnknown
	}
}
