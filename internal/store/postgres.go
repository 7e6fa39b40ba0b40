package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, COALESCE(avatar_url, ''), role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.AvatarURL, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, created_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.OwnerID, &project.CreatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	var member bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM project_members WHERE project_id=$1 AND user_id=$2)
	`, projectID, userID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("check project membership: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, owner_id, title, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.ProjectID, &doc.OwnerID, &doc.Title, &doc.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// InsertSnapshot appends an immutable snapshot row. Rows are never updated
// or deleted; the unique (resource_id, kind, version) index rejects
// concurrent writers that computed the same version.
func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collaboration_snapshots (id, resource_id, kind, version, payload, compressed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, snap.ID, snap.ResourceID, snap.Kind, snap.Version, snap.Payload, snap.Compressed)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// MaxSnapshotVersion returns 0 when the key has never been saved.
func (s *PostgresStore) MaxSnapshotVersion(ctx context.Context, resourceID, kind string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0)
		FROM collaboration_snapshots
		WHERE resource_id=$1 AND kind=$2
	`, resourceID, kind).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("max snapshot version: %w", err)
	}
	return version, nil
}

// LatestSnapshot returns sql.ErrNoRows (wrapped) when the key has never
// been saved; callers translate that into "no prior state".
func (s *PostgresStore) LatestSnapshot(ctx context.Context, resourceID, kind string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, resource_id, kind, version, payload, compressed, created_at
		FROM collaboration_snapshots
		WHERE resource_id=$1 AND kind=$2
		ORDER BY version DESC
		LIMIT 1
	`, resourceID, kind).Scan(&snap.ID, &snap.ResourceID, &snap.Kind, &snap.Version, &snap.Payload, &snap.Compressed, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, err
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, msg ChatMessage) error {
	mentions, err := json.Marshal(msg.Mentions)
	if err != nil {
		return fmt.Errorf("marshal mentions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, project_id, user_id, content, mentions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.ProjectID, msg.UserID, msg.Content, mentions, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentChatMessages(ctx context.Context, projectID string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, content, mentions, created_at
		FROM chat_messages
		WHERE project_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		var mentions []byte
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.UserID, &msg.Content, &mentions, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if len(mentions) > 0 {
			if err := json.Unmarshal(mentions, &msg.Mentions); err != nil {
				return nil, fmt.Errorf("unmarshal mentions: %w", err)
			}
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

// SearchChatMessages is the Postgres full-text fallback used when
// Meilisearch is not configured or unhealthy.
func (s *PostgresStore) SearchChatMessages(ctx context.Context, projectID, query string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, content, mentions, created_at
		FROM chat_messages
		WHERE project_id=$1
			AND to_tsvector('simple', content) @@ plainto_tsquery('simple', $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		var mentions []byte
		if err := rows.Scan(&msg.ID, &msg.ProjectID, &msg.UserID, &msg.Content, &mentions, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if len(mentions) > 0 {
			if err := json.Unmarshal(mentions, &msg.Mentions); err != nil {
				return nil, fmt.Errorf("unmarshal mentions: %w", err)
			}
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}
