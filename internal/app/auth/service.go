package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"
)

const (
	RolePlayer = "player"
	RoleAdmin  = "admin"

	minPasswordLength = 8
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidName        = errors.New("invalid account name")
	ErrWeakPassword       = errors.New("password too short")
	ErrNameInUse          = errors.New("account name already in use")
)

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9 _-]{2,23}$`)

// Claims identify a player connection and decide access to admin routes.
type Claims struct {
	AccountID uuid.UUID
	Name      string
	Role      string
}

func (c Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type Service struct {
	db        *pgxpool.Pool
	jwtSecret []byte
	jwtTTL    time.Duration
	admins    map[string]bool
}

type AuthResult struct {
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
}

// NewService builds the account service. Accounts registered under one of
// adminNames get the admin role.
func NewService(db *pgxpool.Pool, jwtSecret string, jwtTTL time.Duration, adminNames []string) *Service {
	admins := make(map[string]bool, len(adminNames))
	for _, n := range adminNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			admins[n] = true
		}
	}
	return &Service{db: db, jwtSecret: []byte(jwtSecret), jwtTTL: jwtTTL, admins: admins}
}

func (s *Service) Register(ctx context.Context, name, password string) (AuthResult, error) {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return AuthResult{}, ErrInvalidName
	}
	if len(password) < minPasswordLength {
		return AuthResult{}, ErrWeakPassword
	}
	hash, err := hashPassword(password)
	if err != nil {
		return AuthResult{}, fmt.Errorf("hash password: %w", err)
	}
	role := RolePlayer
	if s.admins[strings.ToLower(name)] {
		role = RoleAdmin
	}
	id := uuid.New()
	_, err = s.db.Exec(ctx, `
INSERT INTO accounts (id, name, password_hash, role)
VALUES ($1, $2, $3, $4)
`, id, name, hash, role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return AuthResult{}, ErrNameInUse
		}
		return AuthResult{}, fmt.Errorf("insert account: %w", err)
	}
	return s.result(Claims{AccountID: id, Name: name, Role: role})
}

func (s *Service) Login(ctx context.Context, name, password string) (AuthResult, error) {
	name = strings.TrimSpace(name)
	var (
		c    = Claims{Name: name}
		hash string
	)
	err := s.db.QueryRow(ctx, `SELECT id, name, password_hash, role FROM accounts WHERE lower(name) = lower($1)`, name).
		Scan(&c.AccountID, &c.Name, &hash, &c.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("query account: %w", err)
	}
	ok, err := verifyPassword(hash, password)
	if err != nil || !ok {
		return AuthResult{}, ErrInvalidCredentials
	}
	return s.result(c)
}

func (s *Service) ParseToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidCredentials
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	sub, _ := mc["sub"].(string)
	uid, err := uuid.Parse(sub)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	name, _ := mc["name"].(string)
	role, _ := mc["role"].(string)
	if role == "" {
		role = RolePlayer
	}
	return Claims{AccountID: uid, Name: name, Role: role}, nil
}

func (s *Service) result(c Claims) (AuthResult, error) {
	token, err := s.IssueToken(c)
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{AccountID: c.AccountID, Name: c.Name, Role: c.Role, Token: token}, nil
}

// IssueToken signs a token for the given claims.
func (s *Service) IssueToken(c Claims) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  c.AccountID.String(),
		"name": c.Name,
		"role": c.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.jwtTTL).Unix(),
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
	const (
		memory      = 64 * 1024
		iterations  = 3
		parallelism = 2
		keyLength   = 32
	)
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(encodedHash, password string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("invalid hash format")
	}
	var (
		memory, iterations uint32
		parallelism        uint8
	)
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
	var diff byte
	for i := range hash {
		diff |= hash[i] ^ computed[i]
	}
	return diff == 0, nil
}
