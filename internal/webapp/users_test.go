package webapp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func mustNewUserStore(test *testing.T) *UserStore {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "users.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open database: %v", err)
	}
	store := NewUserStore(db)
	if err := store.Migrate(); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func TestCreateNormalizesEmail(test *testing.T) {
	test.Parallel()
	store := mustNewUserStore(test)

	user, err := store.Create(context.Background(), "  User@Example.COM ", "password123", " Ada ")
	if err != nil {
		test.Fatalf("create failed: %v", err)
	}
	if user.Email != "user@example.com" {
		test.Fatalf("expected normalized email, got %q", user.Email)
	}
	if user.DisplayName != "Ada" {
		test.Fatalf("expected trimmed display name, got %q", user.DisplayName)
	}
	if user.UserID == "" {
		test.Fatalf("expected generated user id")
	}
}

func TestCreateRejectsShortPassword(test *testing.T) {
	test.Parallel()
	store := mustNewUserStore(test)

	_, err := store.Create(context.Background(), "user@example.com", "short", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		test.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateRejectsDuplicateEmail(test *testing.T) {
	test.Parallel()
	store := mustNewUserStore(test)

	if _, err := store.Create(context.Background(), "user@example.com", "password123", ""); err != nil {
		test.Fatalf("first create failed: %v", err)
	}
	_, err := store.Create(context.Background(), "USER@example.com", "password456", "")
	if !errors.Is(err, ErrEmailTaken) {
		test.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestAuthenticate(test *testing.T) {
	test.Parallel()
	store := mustNewUserStore(test)
	created, err := store.Create(context.Background(), "user@example.com", "password123", "")
	if err != nil {
		test.Fatalf("create failed: %v", err)
	}

	user, err := store.Authenticate(context.Background(), "User@Example.com", "password123")
	if err != nil {
		test.Fatalf("authenticate failed: %v", err)
	}
	if user.UserID != created.UserID {
		test.Fatalf("expected user %q, got %q", created.UserID, user.UserID)
	}

	if _, err := store.Authenticate(context.Background(), "user@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		test.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
	if _, err := store.Authenticate(context.Background(), "nobody@example.com", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		test.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestGetByID(test *testing.T) {
	test.Parallel()
	store := mustNewUserStore(test)
	created, err := store.Create(context.Background(), "user@example.com", "password123", "Ada")
	if err != nil {
		test.Fatalf("create failed: %v", err)
	}

	user, err := store.GetByID(context.Background(), created.UserID)
	if err != nil {
		test.Fatalf("get by id failed: %v", err)
	}
	if user.Email != "user@example.com" {
		test.Fatalf("unexpected user: %+v", user)
	}

	if _, err := store.GetByID(context.Background(), "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrUserNotFound) {
		test.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
