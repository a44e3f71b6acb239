package users

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"github.com/alumnihub/chat-service/internal/auth"
	"gorm.io/gorm"
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrEmailTaken     = errors.New("email already registered")
)

type Service struct {
	repo *Repo
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo}
}

// generate an 11 digit random username for accounts that don't pick one
func randomUsername11() (string, error) {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, 11)
	for i := 0; i < 11; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", err
		}
		out[i] = letters[n.Int64()]
	}
	return string(out), nil
}

func (s *Service) Register(ctx context.Context, email, password, fullName string, gradYear int) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	var username string
	for i := 0; i < 5; i++ {
		u, err := randomUsername11()
		if err != nil {
			return nil, err
		}
		taken, err := s.repo.UsernameTaken(ctx, u)
		if err != nil {
			return nil, err
		}
		if !taken {
			username = u
			break
		}
	}
	if username == "" {
		return nil, errors.New("failed to allocate username")
	}

	user := &User{
		Email:        email,
		Username:     username,
		FullName:     fullName,
		GradYear:     gradYear,
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return user, nil
}

func (s *Service) GetByID(ctx context.Context, id uint64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}
