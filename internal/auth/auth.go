package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/aurumx/goldsale/internal/db"
	"github.com/aurumx/goldsale/internal/models"
)

// AuthService handles admin authentication for the gated write endpoints.
type AuthService struct {
	DB     *db.DB
	secret []byte
}

// NewAuthService creates a new auth service signing tokens with secret.
func NewAuthService(database *db.DB, secret string) *AuthService {
	return &AuthService{DB: database, secret: []byte(secret)}
}

// Register creates a new admin with hashed password.
func (s *AuthService) Register(ctx context.Context, username, password, role string) (*models.Admin, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if role != models.RoleSaleManager {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	admin, err := s.DB.CreateAdmin(ctx, username, string(hashedPassword), role)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}
	return admin, nil
}

// Login verifies credentials and generates a JWT carrying the admin's role.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	admin, err := s.DB.GetAdminByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"admin_id": admin.ID,
		"username": admin.Username,
		"role":     admin.Role,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// Claims carries the verified identity extracted from a token.
type Claims struct {
	AdminID int
	Role    string
}

// VerifyToken parses a token and extracts the admin identity and role.
func (s *AuthService) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	adminID, ok := claims["admin_id"].(float64)
	if !ok {
		return nil, fmt.Errorf("missing admin_id claim")
	}
	role, ok := claims["role"].(string)
	if !ok {
		return nil, fmt.Errorf("missing role claim")
	}
	return &Claims{AdminID: int(adminID), Role: role}, nil
}
