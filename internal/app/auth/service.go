package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailInUse         = errors.New("email already in use")
	// ErrNotAuthenticated means there is no valid signed-in identity for
	// the calling user. The persistence store consults VerifySession
	// before any list query and surfaces this kind distinctly so the UI
	// can prompt a re-login instead of retrying.
	ErrNotAuthenticated = errors.New("not authenticated")
)

type Service struct {
	db        *pgxpool.Pool
	jwtSecret []byte
	jwtTTL    time.Duration
}

type AuthResult struct {
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
}

func NewService(db *pgxpool.Pool, jwtSecret string, jwtTTL time.Duration) *Service {
	return &Service{db: db, jwtSecret: []byte(jwtSecret), jwtTTL: jwtTTL}
}

// Register creates the user and its profile document (the owned
// character-id list) in one transaction.
func (s *Service) Register(ctx context.Context, email, password string) (AuthResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") || len(password) < 8 {
		return AuthResult{}, ErrInvalidCredentials
	}
	if s.db == nil {
		return AuthResult{}, fmt.Errorf("register: user store unavailable")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}
	id := uuid.New()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return AuthResult{}, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
INSERT INTO users (id, email, password_hash)
VALUES ($1, $2, $3)
`, id, email, hash); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return AuthResult{}, ErrEmailInUse
		}
		return AuthResult{}, fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO user_profiles (user_id, character_ids)
VALUES ($1, '[]')
`, id); err != nil {
		return AuthResult{}, fmt.Errorf("insert user profile: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return AuthResult{}, fmt.Errorf("commit register tx: %w", err)
	}
	token, err := s.issueToken(id, email)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{UserID: id, Token: token}, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (AuthResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if s.db == nil {
		return AuthResult{}, fmt.Errorf("login: user store unavailable")
	}
	var id uuid.UUID
	var hash string
	err := s.db.QueryRow(ctx, `SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("query user: %w", err)
	}
	ok, err := verifyPassword(hash, password)
	if err != nil || !ok {
		return AuthResult{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(id, email)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{UserID: id, Token: token}, nil
}

func (s *Service) ParseToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, ErrNotAuthenticated
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, ErrNotAuthenticated
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return uuid.Nil, ErrNotAuthenticated
	}
	uid, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, ErrNotAuthenticated
	}
	return uid, nil
}

// VerifySession checks that the given user id belongs to a live
// identity: non-nil and still present in the user store. It fails with
// ErrNotAuthenticated, never with a generic error, when the identity is
// absent, so callers can distinguish "log in again" from "retry".
func (s *Service) VerifySession(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return ErrNotAuthenticated
	}
	if s.db == nil {
		// No user store to disprove the identity; the token check in the
		// API layer already passed.
		return nil
	}
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return ErrNotAuthenticated
	}
	return nil
}

func (s *Service) issueToken(userID uuid.UUID, email string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(s.jwtTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	const memory = 64 * 1024
	const iterations = 3
	const parallelism = 2
	const keyLength = 32
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)
	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", memory, iterations, parallelism, b64Salt, b64Hash), nil
}

func verifyPassword(encodedHash, password string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid hash format")
	}
	var memory uint32
	var iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("parse hash params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(hash)))
	if len(computed) != len(hash) {
		return false, nil
	}
	var diff byte
	for i := range hash {
		diff |= hash[i] ^ computed[i]
	}
	return diff == 0, nil
}
