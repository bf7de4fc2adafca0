package engine

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

// Engine is a loaded recognition model. Implementations may serialize calls internally.
type Engine interface {
	Detect(ctx context.Context, img image.Image, cfg domain.PipelineConfig) ([]domain.DetectedLine, error)
	Close() error
}

// Factory builds an engine. It is invoked at most once per Handle.
type Factory func() (Engine, error)

type CacheStats struct {
	Backend domain.BackendKind `json:"backend"`
	Loaded  bool               `json:"loaded"`
	Hits    int64              `json:"hits"`
	Misses  int64              `json:"misses"`
}

// Handle owns one lazily constructed engine. A failed construction is cached and
// reported on every subsequent Get.
type Handle struct {
	kind    domain.BackendKind
	factory Factory

	once   sync.Once
	mu     sync.Mutex
	engine Engine
	err    error
	closed bool

	hits   atomic.Int64
	misses atomic.Int64
}

func NewHandle(kind domain.BackendKind, factory Factory) *Handle {
	return &Handle{kind: kind, factory: factory}
}

func (h *Handle) Get() (Engine, error) {
	loadedNow := false
	h.once.Do(func() {
		loadedNow = true
		h.misses.Add(1)
		eng, err := h.factory()
		h.mu.Lock()
		defer h.mu.Unlock()
		if err != nil {
			h.err = domain.WrapError(domain.ErrBackendUnavailable, "load "+string(h.kind)+" engine", err)
			return
		}
		h.engine = eng
	})
	if !loadedNow {
		h.hits.Add(1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, domain.WrapError(domain.ErrBackendUnavailable, "get engine", errHandleClosed)
	}
	if h.engine == nil && h.err == nil {
		return nil, domain.WrapError(domain.ErrBackendUnavailable, "get engine", errNotLoaded)
	}
	return h.engine, h.err
}

func (h *Handle) Stats() CacheStats {
	h.mu.Lock()
	loaded := h.engine != nil && !h.closed
	h.mu.Unlock()
	return CacheStats{
		Backend: h.kind,
		Loaded:  loaded,
		Hits:    h.hits.Load(),
		Misses:  h.misses.Load(),
	}
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.engine == nil {
		return nil
	}
	return h.engine.Close()
}
