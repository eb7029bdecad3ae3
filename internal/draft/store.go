// Package draft holds the transient opinion autosave buffer. Each lawyer has
// at most one buffer per opinion submission; every save overwrites the
// previous one, and the buffer is discarded when a version is cut from it or
// when the TTL lapses.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no autosave buffer exists.
var ErrNotFound = errors.New("autosave not found")

// Autosave is the unsaved working copy of the five opinion sections.
type Autosave struct {
	SubmissionID string    `json:"submission_id"`
	LawyerID     string    `json:"lawyer_id"`
	Facts        string    `json:"facts"`
	Issues       string    `json:"issues"`
	Analysis     string    `json:"analysis"`
	Conclusion   string    `json:"conclusion"`
	References   string    `json:"references"`
	SavedAt      time.Time `json:"saved_at"`
}

// Store keeps autosave buffers in Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{
		client: client,
		prefix: "autosave:",
		ttl:    ttl,
	}
}

func (s *Store) key(submissionID, lawyerID string) string {
	return s.prefix + submissionID + ":" + lawyerID
}

// Save overwrites the buffer for one submission+lawyer pair and resets the
// TTL. Saving is idempotent.
func (s *Store) Save(ctx context.Context, a Autosave) error {
	a.SavedAt = time.Now()
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal autosave: %w", err)
	}
	if err := s.client.Set(ctx, s.key(a.SubmissionID, a.LawyerID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save autosave: %w", err)
	}
	return nil
}

// Get returns the current buffer, or ErrNotFound.
func (s *Store) Get(ctx context.Context, submissionID, lawyerID string) (Autosave, error) {
	data, err := s.client.Get(ctx, s.key(submissionID, lawyerID)).Result()
	if err == redis.Nil {
		return Autosave{}, ErrNotFound
	}
	if err != nil {
		return Autosave{}, fmt.Errorf("get autosave: %w", err)
	}

	var a Autosave
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return Autosave{}, fmt.Errorf("unmarshal autosave: %w", err)
	}
	return a, nil
}

// Discard drops the buffer. Called after a version is created from it;
// discarding a missing buffer is a no-op.
func (s *Store) Discard(ctx context.Context, submissionID, lawyerID string) error {
	if err := s.client.Del(ctx, s.key(submissionID, lawyerID)).Err(); err != nil {
		return fmt.Errorf("discard autosave: %w", err)
	}
	return nil
}
