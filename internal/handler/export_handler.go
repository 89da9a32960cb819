package handler

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/asknon-api/internal/dto"
	"github.com/noah-isme/asknon-api/internal/models"
	"github.com/noah-isme/asknon-api/internal/service"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
	"github.com/noah-isme/asknon-api/pkg/response"
)

type exportService interface {
	Generate(ctx context.Context, sessionID, ownerID string, format models.TranscriptFormat) (*service.ExportResult, error)
	Open(token string) (*os.File, models.TranscriptFormat, error)
}

// ExportHandler serves session transcripts.
type ExportHandler struct {
	exports   exportService
	validator *validator.Validate
}

// NewExportHandler constructs an export handler.
func NewExportHandler(exports exportService, validate *validator.Validate) *ExportHandler {
	if validate == nil {
		validate = NewValidator()
	}
	return &ExportHandler{exports: exports, validator: validate}
}

// Generate godoc
// @Summary Export the session transcript
// @Description Renders approved questions and answers as CSV or PDF and returns a signed download link
// @Tags Export
// @Accept json
// @Produce json
// @Param id path string true "Session ID"
// @Param payload body dto.ExportRequest true "Format"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /sessions/{id}/export [post]
func (h *ExportHandler) Generate(c *gin.Context) {
	claims := requireClaims(c)
	if claims == nil {
		return
	}
	var req dto.ExportRequest
	if err := bindAndValidate(c, h.validator, &req); err != nil {
		response.Error(c, err)
		return
	}
	result, err := h.exports.Generate(c.Request.Context(), c.Param("id"), claims.UserID, req.Format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.ExportResponse{
		URL:       result.URL,
		Format:    result.Format,
		Questions: result.Questions,
		ExpiresAt: result.ExpiresAt,
	})
}

// Download godoc
// @Summary Download a transcript via signed token
// @Tags Export
// @Produce octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} binary
// @Failure 404 {object} response.Envelope
// @Router /export/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidInput, "token is required"))
		return
	}
	file, format, err := h.exports.Open(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "transcript no longer available"))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filepath.Base(file.Name())))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), format.ContentType(), file, nil)
}
