package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mneumonicore/internal/cache"
	"mneumonicore/internal/database"
	"mneumonicore/internal/models"
	"mneumonicore/pkg/logger"
)

var (
	// ErrStaleJoin means the document exists but belongs to another workspace.
	ErrStaleJoin        = errors.New("document does not belong to the requested workspace")
	ErrDocumentNotFound = errors.New("document not found")
)

const workspaceKeyPrefix = "doc:workspace:"

// DocumentService answers workspace ownership questions for the relay.
type DocumentService struct {
	repo  database.DocumentRepository
	cache cache.Cache
	ttl   time.Duration
}

// NewDocumentService builds the service. c may be nil, which disables caching.
func NewDocumentService(repo database.DocumentRepository, c cache.Cache, ttl time.Duration) *DocumentService {
	return &DocumentService{repo: repo, cache: c, ttl: ttl}
}

// GetDocument loads a document and checks that it lives in workspaceID. The
// owning workspace is cached either way.
func (s *DocumentService) GetDocument(ctx context.Context, id, workspaceID string) (*models.Document, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", id, err)
	}
	s.remember(ctx, doc.ID, doc.WorkspaceID)
	if doc.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: document %s", ErrStaleJoin, id)
	}
	return doc, nil
}

// AuthorizeJoin decides whether a join for (documentID, workspaceID) may proceed.
// Unknown documents are allowed so that an empty room can be created for them.
// A cached owner that disagrees is dropped and checked against the repository,
// since the document may have moved.
func (s *DocumentService) AuthorizeJoin(ctx context.Context, documentID, workspaceID string) error {
	if owner, ok := s.cachedOwner(ctx, documentID); ok {
		if owner == workspaceID {
			return nil
		}
		if err := s.Forget(ctx, documentID); err != nil {
			logger.Warn("Document cache delete failed for %s: %v", documentID, err)
		}
	}

	_, err := s.GetDocument(ctx, documentID, workspaceID)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil
	}
	return err
}

func (s *DocumentService) cachedOwner(ctx context.Context, documentID string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	owner, err := s.cache.Get(ctx, workspaceKeyPrefix+documentID)
	switch {
	case err == nil:
		return owner, true
	case !errors.Is(err, cache.ErrMiss):
		logger.Warn("Document cache read failed for %s: %v", documentID, err)
	}
	return "", false
}

func (s *DocumentService) remember(ctx context.Context, documentID, workspaceID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, workspaceKeyPrefix+documentID, workspaceID, s.ttl); err != nil {
		logger.Warn("Document cache write failed for %s: %v", documentID, err)
	}
}

// Forget drops the cached workspace of a document, e.g. after it moved.
func (s *DocumentService) Forget(ctx context.Context, documentID string) error {
	if s.cache == nil {
		return nil
	}
	_, err := s.cache.Del(ctx, workspaceKeyPrefix+documentID)
	return err
}
