package webapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
)

// Errors returned by the user store.
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
)

// User mirrors the users table.
type User struct {
	UserID       string    `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"not null;uniqueIndex"`
	PasswordHash string    `gorm:"not null"`
	DisplayName  string    `gorm:""`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// UserStore persists application accounts.
type UserStore struct {
	db *gorm.DB
}

// NewUserStore returns a UserStore backed by gorm.DB.
func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{db: db}
}

// Migrate creates the users table.
func (store *UserStore) Migrate() error {
	return store.db.AutoMigrate(&User{})
}

// Create registers a new account with a bcrypt password hash.
func (store *UserStore) Create(ctx context.Context, email string, password string, displayName string) (User, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	if normalizedEmail == "" {
		return User{}, fmt.Errorf("%w: email is required", ErrInvalidCredentials)
	}
	if len(password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	user := User{
		Email:        normalizedEmail,
		PasswordHash: string(hash),
		DisplayName:  strings.TrimSpace(displayName),
	}
	if err := store.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate checks the password for an email and returns the account.
func (store *UserStore) Authenticate(ctx context.Context, email string, password string) (User, error) {
	normalizedEmail := strings.ToLower(strings.TrimSpace(email))
	var user User
	err := store.db.WithContext(ctx).Where("email = ?", normalizedEmail).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("look up user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

// GetByID returns the account for a user id.
func (store *UserStore) GetByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("look up user: %w", err)
	}
	return user, nil
}
