package database

import (
	"context"
	"errors"

	"mneumonicore/internal/models"
)

var ErrNotFound = errors.New("database: record not found")

type UserRepository interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

type DocumentRepository interface {
	// GetDocument returns ErrNotFound when no document has the given ID.
	GetDocument(ctx context.Context, id string) (*models.Document, error)
}

type SessionRepository interface {
	CreateActiveSession(ctx context.Context, session *models.ActiveSession) error
	RemoveActiveSession(ctx context.Context, documentID, sessionID string) error
	RemoveSessionsForConnection(ctx context.Context, sessionID string) error
}

type Database interface {
	UserRepository
	DocumentRepository
	SessionRepository
	Close() error
}
