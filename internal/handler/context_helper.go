package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/asknon-api/internal/middleware"
	"github.com/noah-isme/asknon-api/internal/models"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
	"github.com/noah-isme/asknon-api/pkg/response"
)

type sessionReader interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// requireClaims writes 401 and returns nil when the request carries no identity.
func requireClaims(c *gin.Context) *models.JWTClaims {
	claims := claimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil
	}
	return claims
}

// ownedSession loads the session and checks the caller owns it. It writes the error
// response and returns nil on failure.
func ownedSession(c *gin.Context, sessions sessionReader, sessionID string) *models.Session {
	claims := requireClaims(c)
	if claims == nil {
		return nil
	}
	session, err := sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return nil
	}
	if session.OwnerID != claims.UserID {
		response.Error(c, errForeignSession())
		return nil
	}
	return session
}

func errForeignSession() error {
	return appErrors.Clone(appErrors.ErrForbidden, "this class belongs to another teacher")
}

func errFeatureDisabled(message string) error {
	return appErrors.New("FEATURE_DISABLED", http.StatusNotImplemented, message)
}
