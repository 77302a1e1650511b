package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/spvswap/internal/models"
)

var (
	ErrInvalidInput       = errors.New("invalid registration")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// UserStore persists registered users. *db.DB implements it.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, address common.Address) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Claims identify the caller of an authenticated request. Address is the
// account the market sees as the caller.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Address  string `json:"address"`
	jwt.RegisteredClaims
}

// AuthService handles user authentication
type AuthService struct {
	store    UserStore
	secret   []byte
	ttl      time.Duration
	reserved map[common.Address]struct{}
	now      func() time.Time
}

// NewAuthService creates a new auth service signing tokens with secret that
// stay valid for ttl. No user may register a reserved address.
func NewAuthService(store UserStore, secret string, ttl time.Duration, reserved ...common.Address) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	s := &AuthService{
		store:    store,
		secret:   []byte(secret),
		ttl:      ttl,
		reserved: make(map[common.Address]struct{}, len(reserved)),
		now:      time.Now,
	}
	for _, addr := range reserved {
		s.reserved[addr] = struct{}{}
	}
	return s
}

// Register creates a new user with hashed password, trading as address
func (s *AuthService) Register(ctx context.Context, username, password string, address common.Address) (*models.User, error) {
	// Validate input
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidInput)
	}
	// bcrypt ignores input past 72 bytes.
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 bytes)", ErrInvalidInput)
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("%w: address cannot be zero", ErrInvalidInput)
	}
	if _, ok := s.reserved[address]; ok {
		return nil, fmt.Errorf("%w: address %s is reserved", ErrInvalidInput, address.Hex())
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hashedPassword), address)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(user)
}

// IssueToken signs a token for user.
func (s *AuthService) IssueToken(user *models.User) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   user.ID,
		Username: user.Username,
		Address:  user.Address.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// ParseToken validates tokenString and returns its claims.
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || !common.IsHexAddress(claims.Address) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Caller returns the account address the claims authenticate.
func (c *Claims) Caller() common.Address {
	return common.HexToAddress(c.Address)
}
