package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mneumonicore/internal/models"
	"mneumonicore/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.HealthCheckPeriod == 0 {
		cfg.HealthCheckPeriod = time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return user, nil
}

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, username, email, created_at`

	user := &models.User{PasswordHash: string(hash)}
	err = db.pool.QueryRow(ctx, query, uuid.NewString(), req.Username, req.Email, string(hash)).Scan(
		&user.ID, &user.Username, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, email, created_at FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return user, nil
}

// Document Repository Implementation
func (db *PostgresDB) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT id, workspace_id, title, content, updated_at FROM documents WHERE id = $1`

	doc := &models.Document{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.WorkspaceID, &doc.Title, &doc.Content, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return doc, nil
}

// Session Repository Implementation
func (db *PostgresDB) CreateActiveSession(ctx context.Context, s *models.ActiveSession) error {
	query := `
		INSERT INTO active_sessions (user_id, document_id, workspace_id, session_id, connected_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (document_id, session_id)
		DO UPDATE SET user_id = EXCLUDED.user_id, workspace_id = EXCLUDED.workspace_id, connected_at = NOW()`

	_, err := db.pool.Exec(ctx, query, s.UserID, s.DocumentID, s.WorkspaceID, s.SessionID)
	return err
}

func (db *PostgresDB) RemoveActiveSession(ctx context.Context, documentID, sessionID string) error {
	query := `DELETE FROM active_sessions WHERE document_id = $1 AND session_id = $2`
	_, err := db.pool.Exec(ctx, query, documentID, sessionID)
	return err
}

func (db *PostgresDB) RemoveSessionsForConnection(ctx context.Context, sessionID string) error {
	query := `DELETE FROM active_sessions WHERE session_id = $1`
	_, err := db.pool.Exec(ctx, query, sessionID)
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
