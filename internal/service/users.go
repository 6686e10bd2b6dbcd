package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/access"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/repository"
)

type RegisterRequest struct {
	FullName string      `json:"fullName"`
	Email    string      `json:"email"`
	Password string      `json:"password"`
	Role     models.Role `json:"role"`
}

type UserService struct {
	repo   repository.UserRepository
	logger *zap.Logger
	cost   int

	now   func() time.Time
	newID func() string
}

func NewUserService(repo repository.UserRepository, logger *zap.Logger) *UserService {
	return &UserService{
		repo:   repo,
		logger: logger,
		cost:   bcrypt.DefaultCost,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account. Anyone may register as a client; only an admin
// caller may hand out another role.
func (s *UserService) Register(ctx context.Context, caller access.Caller, req RegisterRequest) (*models.User, error) {
	if blank(req.FullName) || blank(req.Email) || req.Password == "" {
		return nil, apperrors.Validation("Please enter all fields")
	}
	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperrors.Validation("invalid email address")
	}
	role := req.Role
	if role == "" {
		role = models.RoleClient
	}
	if !role.Valid() {
		return nil, apperrors.Validation("Invalid role specified.")
	}
	if role != models.RoleClient {
		if err := access.Require(caller, models.RoleAdmin); err != nil {
			return nil, err
		}
	}
	return s.create(ctx, strings.TrimSpace(req.FullName), email, req.Password, role)
}

func (s *UserService) create(ctx context.Context, fullName, email, password string, role models.Role) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, apperrors.Validation("password is too long")
		}
		return nil, apperrors.Storage("hash password", err)
	}
	u := &models.User{
		ID:           s.newID(),
		FullName:     fullName,
		Email:        email,
		Role:         role,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, apperrors.Conflict("User with that email already exists")
		}
		return nil, err
	}
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}

// EnsureAdmin creates the bootstrap admin account when no user owns email.
func (s *UserService) EnsureAdmin(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	if password == "" {
		return nil, apperrors.Validation("bootstrap admin password is empty")
	}
	return s.create(ctx, "Administrator", email, password, models.RoleAdmin)
}

// Authenticate checks credentials and returns the caller they identify.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (access.Caller, error) {
	u, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return access.Caller{}, apperrors.Unauthorized("Invalid credentials")
		}
		return access.Caller{}, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return access.Caller{}, apperrors.Unauthorized("Invalid credentials")
	}
	return access.Caller{ID: u.ID, Role: u.Role}, nil
}

func (s *UserService) Me(ctx context.Context, caller access.Caller) (*models.User, error) {
	if err := access.Require(caller); err != nil {
		return nil, err
	}
	return s.repo.GetUser(ctx, caller.ID)
}

func (s *UserService) List(ctx context.Context, caller access.Caller) ([]models.User, error) {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx)
}

func (s *UserService) ListClients(ctx context.Context, caller access.Caller) ([]models.User, error) {
	if err := access.Require(caller, access.StaffOrAdmin...); err != nil {
		return nil, err
	}
	return s.repo.ListByRole(ctx, models.RoleClient)
}

func (s *UserService) UpdateRole(ctx context.Context, caller access.Caller, id string, role models.Role) (*models.User, error) {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperrors.Validation("Invalid role specified.")
	}
	if id == caller.ID {
		return nil, apperrors.Validation("You cannot change your own role.")
	}
	u, err := s.repo.UpdateRole(ctx, id, role)
	if err != nil {
		return nil, userNotFound(err)
	}
	s.logger.Info("user role changed", zap.String("user_id", id), zap.String("role", string(role)))
	return u, nil
}

func (s *UserService) Delete(ctx context.Context, caller access.Caller, id string) error {
	if err := access.Require(caller, models.RoleAdmin); err != nil {
		return err
	}
	if id == caller.ID {
		return apperrors.Forbidden("You cannot delete your own account.")
	}
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		return userNotFound(err)
	}
	s.logger.Info("user deleted", zap.String("user_id", id))
	return nil
}

func userNotFound(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.NotFound("User not found")
	}
	return err
}
