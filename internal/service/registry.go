package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aykutalparslan/ferrite/internal/metrics"
	"github.com/aykutalparslan/ferrite/internal/sequence"
)

// RegistryConfig holds registry configuration
type RegistryConfig struct {
	// MaxBoxes caps the cached boxes of each kind; zero means unlimited
	MaxBoxes          int
	UnreadConcurrency int
	FrequencyWeight   float64
	RecencyWeight     float64
}

// Registry hands out message boxes for users and keeps recently used ones.
// Boxes hold no state of their own, so an evicted box is simply rebuilt on
// the next request. One registry is created at startup and shared.
type Registry struct {
	config  RegistryConfig
	seq     *sequence.Services
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	boxes  map[int64]*registryEntry[*MessageBoxService]
	secret map[int64]*registryEntry[*SecretMessageBoxService]
}

type registryEntry[T any] struct {
	box         T
	accessCount int64
	lastAccess  time.Time
}

func NewRegistry(cfg RegistryConfig, seq *sequence.Services, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FrequencyWeight == 0 && cfg.RecencyWeight == 0 {
		cfg.FrequencyWeight, cfg.RecencyWeight = 0.5, 0.5
	}
	return &Registry{
		config:  cfg,
		seq:     seq,
		logger:  logger,
		metrics: m,
		boxes:   make(map[int64]*registryEntry[*MessageBoxService]),
		secret:  make(map[int64]*registryEntry[*SecretMessageBoxService]),
	}
}

// MessageBox returns the message box of userID
func (r *Registry) MessageBox(userID int64) *MessageBoxService {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup(r, r.boxes, userID, func() *MessageBoxService {
		return NewMessageBoxService(userID, r.seq, r.config.UnreadConcurrency, r.logger, r.metrics)
	})
}

// SecretMessageBox returns the secret chat message box of userID
func (r *Registry) SecretMessageBox(userID int64) *SecretMessageBoxService {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lookup(r, r.secret, userID, func() *SecretMessageBoxService {
		return NewSecretMessageBoxService(userID, r.seq.Counter, r.logger, r.metrics)
	})
}

// Len returns the number of cached boxes of both kinds
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes) + len(r.secret)
}

func lookup[T any](r *Registry, m map[int64]*registryEntry[T], userID int64, build func() T) T {
	now := time.Now()
	if e, ok := m[userID]; ok {
		e.accessCount++
		e.lastAccess = now
		return e.box
	}

	evicted := 0
	for r.config.MaxBoxes > 0 && len(m) >= r.config.MaxBoxes {
		evictLowestScore(r, m, now)
		evicted++
	}
	e := &registryEntry[T]{box: build(), accessCount: 1, lastAccess: now}
	m[userID] = e
	r.metrics.UpdateRegistry(len(r.boxes)+len(r.secret), evicted)
	return e.box
}

// score blends access frequency and recency; higher is kept longer
func (r *Registry) score(accessCount int64, lastAccess, now time.Time) float64 {
	return r.config.FrequencyWeight*float64(accessCount) -
		r.config.RecencyWeight*now.Sub(lastAccess).Seconds()
}

func evictLowestScore[T any](r *Registry, m map[int64]*registryEntry[T], now time.Time) {
	var (
		lowestID    int64
		lowestScore float64
		found       bool
	)
	for id, e := range m {
		s := r.score(e.accessCount, e.lastAccess, now)
		if !found || s < lowestScore {
			lowestID, lowestScore, found = id, s, true
		}
	}
	if !found {
		return
	}
	delete(m, lowestID)
	r.logger.Debug("Evicted message box",
		zap.Int64("user_id", lowestID),
		zap.Float64("score", lowestScore))
}
