package users

import (
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veriform/gatehouse/internal/auth"
)

const (
	minPasswordLength = 8
	minHandleLength   = 3
	maxHandleLength   = 30
)

var (
	// ErrValidation marks malformed input rejected before any store access.
	ErrValidation = errors.New("users: invalid input")
	// ErrConflict indicates the email or handle is already taken.
	ErrConflict = errors.New("users: account already exists")
	// ErrInvalidCredentials is the single opaque failure for password login.
	// It deliberately does not reveal whether the email was unknown, the
	// account had no password, or the password was wrong.
	ErrInvalidCredentials = errors.New("users: invalid email or password")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("users: not found")
)

var handlePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDGenerator func() string
}

// Service resolves credential assertions to canonical user records: it
// registers, authenticates, and links accounts across the password and
// Google credential paths.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	newID func() string
}

// NewService constructs the identity resolver.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{db: cfg.Database, now: clock, newID: newID}, nil
}

// RegisterWithPassword creates a password-capable account. It fails with
// ErrConflict when the email or handle is already taken; the unique indexes
// on the store remain the true arbiter under concurrent registration.
func (s *Service) RegisterWithPassword(email, handle, displayName, password string) (User, error) {
	email = normalize(email)
	handle = normalize(handle)

	if err := validateEmail(email); err != nil {
		return User{}, err
	}
	if err := validateHandle(handle); err != nil {
		return User{}, err
	}
	if len(password) < minPasswordLength {
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}

	var existing User
	err := s.db.Where("email = ? OR handle = ?", email, handle).First(&existing).Error
	if err == nil {
		return User{}, ErrConflict
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	digest, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:           s.newID(),
		Email:        email,
		Handle:       handle,
		DisplayName:  normalize(displayName),
		PasswordHash: &digest,
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}
	if err := s.db.Create(&user).Error; err != nil {
		return User{}, translateStoreError(err)
	}
	return user, nil
}

// AuthenticateWithPassword verifies the email/password pair and returns the
// matching record.
func (s *Service) AuthenticateWithPassword(email, password string) (User, error) {
	var user User
	err := s.db.Where("email = ?", normalize(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !user.HasPassword() {
		return User{}, ErrInvalidCredentials
	}
	if !auth.VerifyPassword(password, *user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// RegisterWithExternalIdentity creates a new account from a verified Google
// claim. The register path is strictly new-user-only: an existing record
// matching the claim's subject id or email fails with ErrConflict.
func (s *Service) RegisterWithExternalIdentity(identity auth.ExternalIdentity) (User, error) {
	if identity.Subject == "" || identity.Email == "" {
		return User{}, fmt.Errorf("%w: external identity missing subject or email", ErrValidation)
	}

	var existing User
	err := s.db.Where("google_subject = ? OR email = ?", identity.Subject, identity.Email).First(&existing).Error
	if err == nil {
		return User{}, ErrConflict
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, err
	}

	return s.provisionExternal(identity)
}

// LoginWithExternalIdentity resolves a verified Google claim to a user record.
// An existing record matching the subject id or email is linked in place, so
// a password-only account transparently gains Google linkage on first OAuth
// login. A missing record is auto-provisioned; that is the designed behavior
// for the login flow, not an error.
func (s *Service) LoginWithExternalIdentity(identity auth.ExternalIdentity) (User, error) {
	if identity.Subject == "" || identity.Email == "" {
		return User{}, fmt.Errorf("%w: external identity missing subject or email", ErrValidation)
	}

	var user User
	err := s.db.Where("google_subject = ? OR email = ?", identity.Subject, identity.Email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.provisionExternal(identity)
	}
	if err != nil {
		return User{}, err
	}

	updates := map[string]interface{}{
		"google_subject": identity.Subject,
		"updated_at":     s.now(),
	}
	if avatar := normalize(identity.AvatarURL); avatar != "" && avatar != user.AvatarURL {
		updates["avatar_url"] = avatar
		user.AvatarURL = avatar
	}
	if err := s.db.Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return User{}, err
	}
	subject := identity.Subject
	user.GoogleSubject = &subject
	return user, nil
}

// FindByID returns the record for the given identifier.
func (s *Service) FindByID(id string) (User, error) {
	var user User
	err := s.db.Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// MarkLogout records the advisory last-logout timestamp. Issued tokens stay
// structurally valid until their own expiry.
func (s *Service) MarkLogout(id string) error {
	result := s.db.Model(&User{}).Where("id = ?", id).Update("last_logout_at", s.now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) provisionExternal(identity auth.ExternalIdentity) (User, error) {
	subject := identity.Subject
	handle, err := s.deriveHandle(identity.Email)
	if err != nil {
		return User{}, err
	}

	user := User{
		ID:            s.newID(),
		Email:         identity.Email,
		Handle:        handle,
		DisplayName:   normalize(identity.Name),
		GoogleSubject: &subject,
		AvatarURL:     normalize(identity.AvatarURL),
		CreatedAt:     s.now(),
		UpdatedAt:     s.now(),
	}
	if err := s.db.Create(&user).Error; err != nil {
		return User{}, translateStoreError(err)
	}
	return user, nil
}

// deriveHandle builds a handle from the email local-part, uniquified with a
// numeric suffix on collision.
func (s *Service) deriveHandle(email string) (string, error) {
	local := email
	if at := strings.Index(email, "@"); at >= 0 {
		local = email[:at]
	}

	var cleaned strings.Builder
	for _, r := range local {
		if handlePattern.MatchString(string(r)) {
			cleaned.WriteRune(r)
		}
	}
	base := cleaned.String()
	if len(base) > maxHandleLength {
		base = base[:maxHandleLength]
	}
	for len(base) < minHandleLength {
		base += "0"
	}

	candidate := base
	for attempt := 1; ; attempt++ {
		var count int64
		if err := s.db.Model(&User{}).Where("handle = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		suffix := fmt.Sprintf("%d", attempt)
		trimmed := base
		if len(trimmed)+len(suffix) > maxHandleLength {
			trimmed = trimmed[:maxHandleLength-len(suffix)]
		}
		candidate = trimmed + suffix
	}
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: malformed email address", ErrValidation)
	}
	return nil
}

func validateHandle(handle string) error {
	if len(handle) < minHandleLength || len(handle) > maxHandleLength {
		return fmt.Errorf("%w: handle must be %d-%d characters", ErrValidation, minHandleLength, maxHandleLength)
	}
	if !handlePattern.MatchString(handle) {
		return fmt.Errorf("%w: handle may contain letters, digits, underscore, dot, and hyphen", ErrValidation)
	}
	return nil
}

// translateStoreError maps a unique-index violation surfacing at insert time
// to ErrConflict. The pre-check-then-insert sequence is an optimization; the
// store's unique indexes arbitrate concurrent registrations.
func translateStoreError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}
