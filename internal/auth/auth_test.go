package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurumx/goldsale/internal/models"
)

func TestVerifyToken(t *testing.T) {
	s := NewAuthService(nil, "test-secret")

	issue := func(secret string, claims jwt.MapClaims) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}

	valid := jwt.MapClaims{
		"admin_id": 1,
		"username": "ops",
		"role":     models.RoleSaleManager,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}

	t.Run("valid token", func(t *testing.T) {
		claims, err := s.VerifyToken(issue("test-secret", valid))
		require.NoError(t, err)
		assert.Equal(t, 1, claims.AdminID)
		assert.Equal(t, models.RoleSaleManager, claims.Role)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := s.VerifyToken(issue("other-secret", valid))
		assert.Error(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := jwt.MapClaims{
			"admin_id": 1,
			"role":     models.RoleSaleManager,
			"exp":      time.Now().Add(-time.Hour).Unix(),
		}
		_, err := s.VerifyToken(issue("test-secret", expired))
		assert.Error(t, err)
	})

	t.Run("missing role claim", func(t *testing.T) {
		noRole := jwt.MapClaims{
			"admin_id": 1,
			"exp":      time.Now().Add(time.Hour).Unix(),
		}
		_, err := s.VerifyToken(issue("test-secret", noRole))
		assert.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := s.VerifyToken("not-a-token")
		assert.Error(t, err)
	})
}
