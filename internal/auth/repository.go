package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// User is an account allowed to complete the credentials step.
type User struct {
	ID           string     `gorm:"primaryKey;type:uuid" json:"id"`
	Username     string     `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"column:password_hash;not null" json:"-"`
	Disabled     bool       `gorm:"not null;default:false" json:"disabled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// BeforeCreate hook to set UUID before creating a User
func (user *User) BeforeCreate(tx *gorm.DB) (err error) {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	return
}

func (User) TableName() string {
	return "commlink_users"
}

// UserRepository defines the user lookups the credentials step needs.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	FindByUsername(ctx context.Context, username string) (*User, error)
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
}

// userRepository is the GORM implementation of UserRepository.
type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// OpenUserDB connects to PostgreSQL and makes sure the users table exists.
func OpenUserDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate users table: %w", err)
	}
	return db, nil
}

func (r *userRepository) Create(ctx context.Context, user *User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	// return nil on error so a zero-value user is never mistaken for a match
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("last_login", at).Error
}

// CreateUser hashes password and stores a new account.
func CreateUser(ctx context.Context, repo UserRepository, username, password string) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &User{Username: username, PasswordHash: hash}
	if err := repo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// RepositoryVerifier checks credentials against stored accounts.
type RepositoryVerifier struct {
	repo   UserRepository
	logger *slog.Logger
}

func NewRepositoryVerifier(repo UserRepository, logger *slog.Logger) *RepositoryVerifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RepositoryVerifier{repo: repo, logger: logger}
}

func (v *RepositoryVerifier) VerifyCredentials(ctx context.Context, username, password string, peer Peer) (bool, error) {
	user, err := v.repo.FindByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.Disabled || CheckPassword(user.PasswordHash, password) != nil {
		return false, nil
	}

	if err := v.repo.TouchLastLogin(ctx, user.ID, time.Now()); err != nil {
		v.logger.Warn("last_login_update_failed",
			"peer_id", peer.ID,
			"username", username,
			"error", err.Error(),
		)
	}
	return true, nil
}
