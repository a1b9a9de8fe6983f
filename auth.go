package capsule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User roles.
const (
	RoleSuperAdmin = "superadmin"
	RoleUser       = "user"
)

// CreateUser registers a management-API principal with a bcrypt-hashed
// password and a fresh credential pair.
func (s *Service) CreateUser(ctx context.Context, email, password, fullName, role string) (*User, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidArgument)
	}
	if role == "" {
		role = RoleUser
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	secretKey := GenerateSecretKey()

	u := &User{
		Email:        email,
		PasswordHash: string(hash),
		FullName:     fullName,
		Role:         role,
		AccessKey:    GenerateAccessKey(),
		SecretKey:    secretKey,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// AuthenticateUser verifies an email/password pair. Unknown accounts and
// wrong passwords report the same error.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*User, error) {
	u, err := s.store.UserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: bad credentials", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, fmt.Errorf("%w: bad credentials", ErrUnauthorized)
	}
	return u, nil
}
