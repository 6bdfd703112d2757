package user

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pickup-sports/matchchat/internal/apperror"
	"github.com/pickup-sports/matchchat/internal/logger"
)

const tokenIssuer = "matchchat"

// Store is the persistence the service needs.
type Store interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

type Service struct {
	repo      Store
	jwtSecret string
	tokenTTL  time.Duration
	logger    logger.Logger
	now       func() time.Time
}

type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, ttl time.Duration, log logger.Logger) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  ttl,
		logger:    log,
		now:       time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	if len(username) < 3 || len(username) > 50 {
		return nil, apperror.InvalidArg("username must be 3-50 characters")
	}
	if len(req.Password) < 8 {
		return nil, apperror.InvalidArg("password must be at least 8 characters")
	}
	email := NormalizeEmail(req.Email)
	if !strings.Contains(email, "@") {
		return nil, apperror.InvalidArg("a valid email is required")
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperror.Internal("failed to hash password", err)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}

	u := &User{
		Username:    username,
		DisplayName: displayName,
		Email:       email,
		AvatarURL:   req.AvatarURL,
		Password:    string(hashedPwd),
	}

	created, err := s.repo.CreateUser(ctx, u)
	if err != nil {
		s.logger.Error("failed to create user", "username", username, "err", err)
		return nil, apperror.Wrap(apperror.CodeAlreadyExists, "username or email already registered", err)
	}
	created.Password = ""
	return created, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			s.logger.Error("login lookup failed", "err", err)
		}
		return nil, apperror.Unauthorized("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, apperror.Unauthorized("invalid credentials")
	}

	ss, err := s.IssueToken(u.ID, u.Username)
	if err != nil {
		return nil, apperror.Internal("failed to sign token", err)
	}

	u.Password = ""
	return &LoginResponse{AccessToken: ss, User: *u}, nil
}

// IssueToken signs an HS256 token for the given identity.
func (s *Service) IssueToken(id int64, username string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       id,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.jwtSecret), nil
	}, jwt.WithIssuer(tokenIssuer))

	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", errors.New("invalid token")
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) Me(ctx context.Context, id int64) (*User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apperror.NotFound("user not found")
		}
		return nil, apperror.Internal("failed to load user", err)
	}
	return u, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	users, err := s.repo.SearchUsers(ctx, query)
	if err != nil {
		return nil, apperror.Internal("failed to search users", err)
	}
	return users, nil
}
