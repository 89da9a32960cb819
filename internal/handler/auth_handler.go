package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/pkg/response"
)

type tokenIssuer interface {
	IssueToken(req models.TokenRequest) (*models.TokenResponse, error)
}

// AuthHandler issues development tokens. It is only routed outside production, where the
// school's identity provider signs tokens instead.
type AuthHandler struct {
	issuer    tokenIssuer
	validator *validator.Validate
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(issuer tokenIssuer, validate *validator.Validate) *AuthHandler {
	if validate == nil {
		validate = NewValidator()
	}
	return &AuthHandler{issuer: issuer, validator: validate}
}

// Token godoc
// @Summary Issue a development token
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.TokenRequest true "Identity"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /auth/token [post]
func (h *AuthHandler) Token(c *gin.Context) {
	var req models.TokenRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		response.Error(c, err)
		return
	}
	res, err := h.issuer.IssueToken(req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}
