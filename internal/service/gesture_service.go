package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/asknon-api/internal/gesture"
	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

type bulkApprover interface {
	ApproveAll(ctx context.Context, sessionID string) (int, error)
}

// GestureResult reports what a batch of motion samples did.
type GestureResult struct {
	Shakes   int `json:"shakes"`
	Approved int `json:"approved"`
}

// GestureService turns motion samples reported by the teacher's phone into approve-all
// commands, one shake detector per session.
type GestureService struct {
	approver bulkApprover
	cfg      gesture.Config
	logger   *zap.Logger

	mu        sync.Mutex
	detectors map[string]*gesture.ShakeDetector
}

// NewGestureService constructs a GestureService.
func NewGestureService(approver bulkApprover, cfg gesture.Config, logger *zap.Logger) *GestureService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GestureService{approver: approver, cfg: cfg, logger: logger, detectors: make(map[string]*gesture.ShakeDetector)}
}

// Feed runs the samples through the session's detector; every trigger approves all.
func (s *GestureService) Feed(ctx context.Context, sessionID string, samples []gesture.Sample) (GestureResult, error) {
	if sessionID == "" {
		return GestureResult{}, appErrors.Clone(appErrors.ErrInvalidInput, "session id is required")
	}
	detector := s.detector(sessionID)
	var result GestureResult
	for _, sample := range samples {
		count, triggered := detector.Feed(sample)
		if !triggered {
			continue
		}
		result.Shakes++
		n, err := s.approver.ApproveAll(ctx, sessionID)
		if err != nil {
			return result, err
		}
		result.Approved += n
		s.logger.Info("shake approved all", zap.String("session_id", sessionID), zap.Int("shake_count", count), zap.Int("approved", n))
	}
	return result, nil
}

// Forget drops the detector of a closed session.
func (s *GestureService) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.detectors, sessionID)
	s.mu.Unlock()
}

func (s *GestureService) detector(sessionID string) *gesture.ShakeDetector {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detectors[sessionID]
	if !ok {
		d = gesture.NewShakeDetector(s.cfg, nil)
		s.detectors[sessionID] = d
	}
	return d
}
