package room

import (
	"context"
	"log/slog"

	"aicsl/realtime/internal/rbac"
	"aicsl/realtime/internal/store"
)

// Directory is the slice of the platform's data layer the guard needs.
// Implemented by store.PostgresStore; tests supply fakes.
type Directory interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

// Guard answers whether a user may enter a room. Denials are never errors:
// lookup failures, missing resources, and unknown room kinds all deny.
type Guard struct {
	dir Directory
	log *slog.Logger
}

func NewGuard(dir Directory, log *slog.Logger) *Guard {
	return &Guard{dir: dir, log: log}
}

func (g *Guard) Allow(ctx context.Context, user store.User, roomID string) bool {
	kind, resourceID := Parse(roomID)
	if kind == KindUnknown {
		g.log.Warn("access check on unknown room kind", "room", roomID, "user", user.ID)
		return false
	}

	if rbac.Bypass(rbac.Normalize(user.Role)) {
		return true
	}

	projectID := resourceID
	if kind == KindDocument {
		// Document rooms are keyed by document id; the parent project
		// comes from the document's own metadata.
		doc, err := g.dir.GetDocument(ctx, resourceID)
		if err != nil {
			g.log.Warn("document lookup failed during access check", "document", resourceID, "user", user.ID, "error", err)
			return false
		}
		if doc.OwnerID == user.ID {
			return true
		}
		projectID = doc.ProjectID
	}

	project, err := g.dir.GetProject(ctx, projectID)
	if err != nil {
		g.log.Warn("project lookup failed during access check", "project", projectID, "user", user.ID, "error", err)
		return false
	}
	if project.OwnerID == user.ID {
		return true
	}

	member, err := g.dir.IsProjectMember(ctx, projectID, user.ID)
	if err != nil {
		g.log.Warn("membership lookup failed during access check", "project", projectID, "user", user.ID, "error", err)
		return false
	}
	if !member {
		g.log.Info("room access denied", "room", roomID, "user", user.ID)
	}
	return member
}
