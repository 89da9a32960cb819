package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/models"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
	"github.com/noah-isme/asknon-api/pkg/export"
	"github.com/noah-isme/asknon-api/pkg/storage"
)

const transcriptDir = "transcripts"

type transcriptQuestions interface {
	ListByStatus(ctx context.Context, sessionID string, status models.QuestionStatus) ([]models.Question, error)
}

type fileStorage interface {
	Save(name string, data []byte) (string, error)
	Open(name string) (*os.File, error)
	DeleteDir(name string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type downloadSigner interface {
	Sign(sessionID, relPath string) (string, time.Time, error)
	Verify(token string) (storage.Grant, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title, subtitle string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	Retention time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string                  `json:"-"`
	Token        string                  `json:"token"`
	URL          string                  `json:"url"`
	Format       models.TranscriptFormat `json:"format"`
	Questions    int                     `json:"questions"`
	ExpiresAt    time.Time               `json:"expires_at"`
}

// ExportService renders session transcripts of approved questions and answers.
type ExportService struct {
	questions transcriptQuestions
	sessions  sessionLookup
	storage   fileStorage
	signer    downloadSigner
	csv       csvRenderer
	pdf       pdfRenderer
	logger    *zap.Logger
	cfg       ExportConfig
	now       func() time.Time
}

// NewExportService constructs an ExportService. Nil renderers fall back to the defaults.
func NewExportService(questions transcriptQuestions, sessions sessionLookup, files fileStorage, signer downloadSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		questions: questions,
		sessions:  sessions,
		storage:   files,
		signer:    signer,
		csv:       csv,
		pdf:       pdf,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Generate renders the transcript of a session owned by ownerID and returns a signed link.
func (s *ExportService) Generate(ctx context.Context, sessionID, ownerID string, format models.TranscriptFormat) (*ExportResult, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session owner can export it")
	}
	approved, err := s.questions.ListByStatus(ctx, sessionID, models.StatusApproved)
	if err != nil {
		return nil, err
	}
	dataset := buildTranscript(approved)

	var payload []byte
	switch format {
	case models.TranscriptCSV:
		payload, err = s.csv.Render(dataset)
	case models.TranscriptPDF:
		subtitle := fmt.Sprintf("Join code %s, started %s", session.JoinCode, session.CreatedAt.Format("2006-01-02 15:04"))
		payload, err = s.pdf.Render(dataset, "Class questions", subtitle)
	default:
		return nil, appErrors.Clone(appErrors.ErrInvalidInput, fmt.Sprintf("unsupported format %q", format))
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render transcript")
	}

	relPath, err := s.storage.Save(s.buildFilename(session, format), payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store transcript")
	}
	token, expiresAt, err := s.signer.Sign(session.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	s.logger.Info("transcript exported", zap.String("session_id", session.ID), zap.String("format", string(format)), zap.Int("questions", len(approved)))
	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/export/%s", prefix, token),
		Format:       format,
		Questions:    len(approved),
		ExpiresAt:    expiresAt,
	}, nil
}

// Open validates a download token and returns the file it grants access to.
func (s *ExportService) Open(token string) (*os.File, models.TranscriptFormat, error) {
	grant, err := s.signer.Verify(token)
	switch {
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "download link has expired")
	case err != nil:
		return nil, "", appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid download link")
	}
	if !strings.HasPrefix(grant.Path, path.Join(transcriptDir, grant.SessionID)+"/") {
		return nil, "", appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	file, err := s.storage.Open(grant.Path)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "transcript no longer available")
	}
	format := models.TranscriptCSV
	if strings.HasSuffix(grant.Path, ".pdf") {
		format = models.TranscriptPDF
	}
	return file, format, nil
}

// Forget removes every transcript of a torn-down session.
func (s *ExportService) Forget(_ context.Context, session models.Session) {
	if err := s.storage.DeleteDir(path.Join(transcriptDir, session.ID)); err != nil {
		s.logger.Warn("failed to remove transcripts", zap.String("session_id", session.ID), zap.Error(err))
	}
}

// Cleanup drops transcripts older than the retention window.
func (s *ExportService) Cleanup() (int, error) {
	deleted, err := s.storage.CleanupOlderThan(s.cfg.Retention)
	if err != nil {
		return 0, err
	}
	if len(deleted) > 0 {
		s.logger.Info("expired transcripts removed", zap.Int("count", len(deleted)))
	}
	return len(deleted), nil
}

func (s *ExportService) buildFilename(session *models.Session, format models.TranscriptFormat) string {
	name := fmt.Sprintf("%s-%s.%s", s.now().Format("20060102-150405"), sanitizeFilename(session.JoinCode), format)
	return path.Join(transcriptDir, session.ID, name)
}

// buildTranscript lists questions in the order they were asked.
func buildTranscript(approved []models.Question) export.Dataset {
	ordered := append([]models.Question(nil), approved...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[j].NewerThan(ordered[i]) })

	data := export.Dataset{Columns: []export.Column{
		{Key: "asked_at", Title: "Asked at", Weight: 1.2},
		{Key: "question", Title: "Question", Weight: 3},
		{Key: "answer", Title: "Answer", Weight: 3},
	}}
	for _, q := range ordered {
		row := map[string]string{"question": q.Text}
		if q.CreatedAt != nil {
			row["asked_at"] = q.CreatedAt.Format("2006-01-02 15:04")
		}
		if q.AnswerText != nil {
			row["answer"] = *q.AnswerText
		}
		data.Rows = append(data.Rows, row)
	}
	return data
}

func sanitizeFilename(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "session"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", "-")
	return replacer.Replace(value)
}
