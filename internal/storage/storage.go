// Package storage publishes materialized segment memberships for the
// campaign and export subsystems, to S3 or a local directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/pkg/logger"
	"github.com/ignite/segment-engine/internal/segmentation"
)

// ErrNotPublished is returned when no membership has been published for a
// segment.
var ErrNotPublished = errors.New("membership not published")

// MembershipDocument is the published form of one membership snapshot:
// ids and count only. Consumers project entity fields themselves.
type MembershipDocument struct {
	SegmentID      uuid.UUID                `json:"segmentId"`
	Name           string                   `json:"name"`
	EntityType     segmentation.EntityType  `json:"entityType"`
	SegmentType    segmentation.SegmentType `json:"segmentType"`
	MemberIDs      []string                 `json:"memberIds"`
	ContactCount   int                      `json:"contactCount"`
	MaterializedAt time.Time                `json:"materializedAt"`
	PublishedAt    time.Time                `json:"publishedAt"`
}

// Storage publishes membership documents
type Storage struct {
	config config.StorageConfig
	mu     sync.RWMutex

	// AWS storage (optional)
	aws *AWSStorage

	// Last document published per segment
	latest map[uuid.UUID]*MembershipDocument
	now    func() time.Time
}

// New creates a new Storage instance
func New(cfg config.StorageConfig) (*Storage, error) {
	s := &Storage{
		config: cfg,
		latest: make(map[uuid.UUID]*MembershipDocument),
		now:    time.Now,
	}

	ctx := context.Background()

	switch cfg.Type {
	case "aws":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("storage type aws requires s3_bucket")
		}
		awsStorage, err := NewAWSStorage(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.AWSRegion, cfg.GetAWSProfile())
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage: %w", err)
		}
		s.aws = awsStorage

	case "local":
		// Ensure local storage directory exists
		if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}

	case "none", "":
		// memory only

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	return s, nil
}

// PublishMembership writes the current membership of seg. The previous
// document for the segment is replaced as a whole.
func (s *Storage) PublishMembership(ctx context.Context, seg *segmentation.Segment) error {
	doc := &MembershipDocument{
		SegmentID:    seg.ID,
		Name:         seg.Name,
		EntityType:   seg.EntityType,
		SegmentType:  seg.SegmentType,
		MemberIDs:    append([]string{}, seg.MemberIDs...),
		ContactCount: seg.ContactCount,
		PublishedAt:  s.now().UTC(),
	}
	if seg.LastRefreshAt != nil {
		doc.MaterializedAt = seg.LastRefreshAt.UTC()
	}

	switch {
	case s.aws != nil:
		if err := s.aws.SaveToS3(ctx, s.aws.key(seg.ID.String(), "membership.json"), doc); err != nil {
			return fmt.Errorf("publish membership of %s: %w", seg.ID, err)
		}
	case s.config.Type == "local":
		if err := s.saveToFile(seg.ID.String(), "membership", doc); err != nil {
			return fmt.Errorf("publish membership of %s: %w", seg.ID, err)
		}
	}

	s.mu.Lock()
	s.latest[seg.ID] = doc
	s.mu.Unlock()

	logger.Debug("membership published",
		"segment_id", seg.ID,
		"contact_count", doc.ContactCount,
		"storage", s.config.Type,
	)
	return nil
}

// GetMembership returns the last published membership of id.
func (s *Storage) GetMembership(ctx context.Context, id uuid.UUID) (*MembershipDocument, error) {
	s.mu.RLock()
	doc, ok := s.latest[id]
	s.mu.RUnlock()
	if ok {
		return doc, nil
	}

	var loaded MembershipDocument
	switch {
	case s.aws != nil:
		if err := s.aws.GetFromS3(ctx, s.aws.key(id.String(), "membership.json"), &loaded); err != nil {
			return nil, err
		}
	case s.config.Type == "local":
		if err := s.loadFromFile(id.String(), "membership", &loaded); err != nil {
			return nil, err
		}
	default:
		return nil, ErrNotPublished
	}

	s.mu.Lock()
	s.latest[id] = &loaded
	s.mu.Unlock()
	return &loaded, nil
}

// saveToFile saves data to a JSON file. The file is written next to its
// final path and renamed so readers never see a partial document.
func (s *Storage) saveToFile(category, key string, data interface{}) error {
	dir := filepath.Join(s.config.LocalPath, "segments", category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Sanitize key for filename
	safeKey := filepath.Base(key)
	path := filepath.Join(dir, safeKey+".json")

	file, err := os.CreateTemp(dir, safeKey+"-*.tmp")
	if err != nil {
		return err
	}
	tmp := file.Name()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Storage) loadFromFile(category, key string, target interface{}) error {
	path := filepath.Join(s.config.LocalPath, "segments", category, filepath.Base(key)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ErrNotPublished
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// GetCacheStats returns statistics about published memberships
func (s *Storage) GetCacheStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := 0
	for _, doc := range s.latest {
		members += doc.ContactCount
	}
	return map[string]interface{}{
		"storage_type":       s.config.Type,
		"published_segments": len(s.latest),
		"published_members":  members,
	}
}
