package users

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/veriform/gatehouse/internal/auth"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func countUsers(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&User{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count users: %v", err)
	}
	return count
}

func TestRegisterWithPasswordCreatesAccount(t *testing.T) {
	service, db := newTestService(t)

	user, err := service.RegisterWithPassword("alice@example.com", "alice", "Alice", "secret-pass1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if user.ID == "" {
		t.Fatalf("expected assigned identifier")
	}
	if user.Email != "alice@example.com" || user.Handle != "alice" {
		t.Fatalf("unexpected record %+v", user)
	}
	if !user.HasPassword() {
		t.Fatalf("expected password-capable account")
	}
	if *user.PasswordHash == "secret-pass1" {
		t.Fatalf("password must be stored hashed, not plaintext")
	}
	if user.GoogleSubject != nil {
		t.Fatalf("password registration must not set a google subject")
	}
	if got := countUsers(t, db); got != 1 {
		t.Fatalf("expected exactly one record, got %d", got)
	}
}

func TestRegisterWithPasswordReportsConflicts(t *testing.T) {
	service, db := newTestService(t)

	if _, err := service.RegisterWithPassword("alice@example.com", "alice", "Alice", "secret-pass1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	tests := []struct {
		name   string
		email  string
		handle string
	}{
		{name: "same email different handle", email: "alice@example.com", handle: "alice2"},
		{name: "same handle different email", email: "other@example.com", handle: "alice"},
		{name: "same email and handle", email: "alice@example.com", handle: "alice"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := service.RegisterWithPassword(test.email, test.handle, "Alice", "secret-pass1")
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
		})
	}

	if got := countUsers(t, db); got != 1 {
		t.Fatalf("conflicting registrations must not mutate the store, got %d records", got)
	}
}

func TestRegisterWithPasswordRejectsMalformedInput(t *testing.T) {
	service, db := newTestService(t)

	tests := []struct {
		name     string
		email    string
		handle   string
		password string
	}{
		{name: "missing email", email: "", handle: "alice", password: "secret-pass1"},
		{name: "malformed email", email: "not-an-email", handle: "alice", password: "secret-pass1"},
		{name: "handle too short", email: "alice@example.com", handle: "ab", password: "secret-pass1"},
		{name: "handle too long", email: "alice@example.com", handle: "abcdefghijklmnopqrstuvwxyz01234", password: "secret-pass1"},
		{name: "handle with spaces", email: "alice@example.com", handle: "has space", password: "secret-pass1"},
		{name: "short password", email: "alice@example.com", handle: "alice", password: "short"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := service.RegisterWithPassword(test.email, test.handle, "Alice", test.password)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}

	if got := countUsers(t, db); got != 0 {
		t.Fatalf("validation failures must be rejected before any store access, got %d records", got)
	}
}

func TestAuthenticateWithPassword(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.RegisterWithPassword("alice@example.com", "alice", "Alice", "secret-pass1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	user, err := service.AuthenticateWithPassword("alice@example.com", "secret-pass1")
	if err != nil {
		t.Fatalf("expected authentication to succeed: %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("unexpected subject %q", user.ID)
	}

	// Every sub-cause collapses to the same opaque error.
	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "wrong password", email: "alice@example.com", password: "secret-pass2"},
		{name: "unknown email", email: "nobody@example.com", password: "secret-pass1"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := service.AuthenticateWithPassword(test.email, test.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestAuthenticateWithPasswordRejectsExternalOnlyAccount(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.RegisterWithExternalIdentity(auth.ExternalIdentity{
		Subject: "g-1",
		Email:   "bob@example.com",
		Name:    "Bob",
	}); err != nil {
		t.Fatalf("unexpected external register error: %v", err)
	}

	if _, err := service.AuthenticateWithPassword("bob@example.com", "any-password1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for password-less account, got %v", err)
	}
}

func TestRegisterWithExternalIdentityDerivesHandle(t *testing.T) {
	service, _ := newTestService(t)

	user, err := service.RegisterWithExternalIdentity(auth.ExternalIdentity{
		Subject:   "g-1",
		Email:     "bob@example.com",
		Name:      "Bob Example",
		AvatarURL: "https://example.com/bob.png",
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if user.Handle != "bob" {
		t.Fatalf("expected handle derived from email local-part, got %q", user.Handle)
	}
	if user.GoogleSubject == nil || *user.GoogleSubject != "g-1" {
		t.Fatalf("expected google subject to be stored, got %+v", user.GoogleSubject)
	}
	if user.HasPassword() {
		t.Fatalf("external registration must not set a password hash")
	}
}

func TestRegisterWithExternalIdentityUniquifiesHandleOnCollision(t *testing.T) {
	service, _ := newTestService(t)

	if _, err := service.RegisterWithPassword("bob@other.com", "bob", "Bob", "secret-pass1"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	user, err := service.RegisterWithExternalIdentity(auth.ExternalIdentity{
		Subject: "g-1",
		Email:   "bob@example.com",
		Name:    "Bob",
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if user.Handle != "bob1" {
		t.Fatalf("expected uniquified handle, got %q", user.Handle)
	}
}

func TestRegisterWithExternalIdentityRejectsExistingAccount(t *testing.T) {
	service, db := newTestService(t)

	if _, err := service.RegisterWithExternalIdentity(auth.ExternalIdentity{
		Subject: "g-1",
		Email:   "bob@example.com",
		Name:    "Bob",
	}); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	tests := []struct {
		name     string
		identity auth.ExternalIdentity
	}{
		{name: "same subject", identity: auth.ExternalIdentity{Subject: "g-1", Email: "elsewhere@example.com"}},
		{name: "same email", identity: auth.ExternalIdentity{Subject: "g-2", Email: "bob@example.com"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := service.RegisterWithExternalIdentity(test.identity); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}
		})
	}

	if got := countUsers(t, db); got != 1 {
		t.Fatalf("expected a single record, got %d", got)
	}
}

func TestLoginWithExternalIdentityProvisionsOnce(t *testing.T) {
	service, db := newTestService(t)

	claim := auth.ExternalIdentity{Subject: "g-1", Email: "bob@example.com", Name: "Bob"}

	first, err := service.LoginWithExternalIdentity(claim)
	if err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	if first.Handle != "bob" {
		t.Fatalf("expected derived handle, got %q", first.Handle)
	}

	second, err := service.LoginWithExternalIdentity(claim)
	if err != nil {
		t.Fatalf("unexpected second login error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same record, got %q and %q", first.ID, second.ID)
	}
	if got := countUsers(t, db); got != 1 {
		t.Fatalf("expected a single record after repeated login, got %d", got)
	}
}

func TestLoginWithExternalIdentityLinksPasswordAccount(t *testing.T) {
	service, db := newTestService(t)

	created, err := service.RegisterWithPassword("alice@example.com", "alice", "Alice", "secret-pass1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	linked, err := service.LoginWithExternalIdentity(auth.ExternalIdentity{
		Subject:   "g-alice",
		Email:     "alice@example.com",
		Name:      "Alice",
		AvatarURL: "https://example.com/alice.png",
	})
	if err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	if linked.ID != created.ID {
		t.Fatalf("expected linking onto the existing record, got %q and %q", created.ID, linked.ID)
	}

	stored, err := service.FindByID(created.ID)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if stored.GoogleSubject == nil || *stored.GoogleSubject != "g-alice" {
		t.Fatalf("expected google subject linked in place, got %+v", stored.GoogleSubject)
	}
	if stored.AvatarURL != "https://example.com/alice.png" {
		t.Fatalf("expected avatar refreshed, got %q", stored.AvatarURL)
	}
	if !stored.HasPassword() {
		t.Fatalf("linking must not drop the password credential")
	}
	if got := countUsers(t, db); got != 1 {
		t.Fatalf("linking must not duplicate the record, got %d", got)
	}

	// Subsequent login by subject id resolves the same record.
	again, err := service.LoginWithExternalIdentity(auth.ExternalIdentity{Subject: "g-alice", Email: "renamed@example.com"})
	if err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("expected subject match to resolve the linked record")
	}
}

func TestFindByID(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.RegisterWithPassword("alice@example.com", "alice", "Alice", "secret-pass1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	found, err := service.FindByID(created.ID)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if found.Email != "alice@example.com" {
		t.Fatalf("unexpected record %+v", found)
	}

	if _, err := service.FindByID("missing-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkLogoutRecordsTimestamp(t *testing.T) {
	service, _ := newTestService(t)

	created, err := service.RegisterWithPassword("alice@example.com", "alice", "Alice", "secret-pass1")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	if err := service.MarkLogout(created.ID); err != nil {
		t.Fatalf("unexpected logout error: %v", err)
	}
	stored, err := service.FindByID(created.ID)
	if err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if stored.LastLogoutAt == nil {
		t.Fatalf("expected last logout timestamp to be set")
	}

	if err := service.MarkLogout("missing-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
