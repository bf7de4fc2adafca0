package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/kirillkom/cardmint-ocr/internal/core/domain"
)

var (
	errHandleClosed = errors.New("engine handle closed")
	errNotLoaded    = errors.New("engine failed to load")

	knownBackends = map[domain.BackendKind]struct{}{
		domain.BackendNative:          {},
		domain.BackendPaddleXOpenVINO: {},
		domain.BackendONNXRuntime:     {},
	}
)

// GuardPolicy is the startup-time backend policy.
//
// ForceNative rejects any configured non-native backend as a configuration error.
// Strict disables the fallback to native for backends that are recognised but
// have no engine in this build.
type GuardPolicy struct {
	ForceNative bool
	Strict      bool
}

type Registry struct {
	handles    map[domain.BackendKind]*Handle
	guard      GuardPolicy
	logger     *slog.Logger
	onFallback func(from, to domain.BackendKind)
}

type RegistryOption func(*Registry)

func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFallbackHook is called every time a backend request is served by native.
func WithFallbackHook(fn func(from, to domain.BackendKind)) RegistryOption {
	return func(r *Registry) { r.onFallback = fn }
}

func NewRegistry(guard GuardPolicy, opts ...RegistryOption) *Registry {
	r := &Registry{
		handles: make(map[domain.BackendKind]*Handle),
		guard:   guard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(kind domain.BackendKind, factory Factory) {
	r.handles[kind] = NewHandle(kind, factory)
}

// Resolve maps a configured backend to the one that will serve the request.
func (r *Registry) Resolve(kind domain.BackendKind) (domain.BackendKind, error) {
	if _, ok := knownBackends[kind]; !ok {
		return "", domain.WrapError(domain.ErrUnsupportedBackend, "resolve backend", fmt.Errorf("unknown backend %q", kind))
	}
	if r.guard.ForceNative && !kind.IsNative() {
		return "", domain.WrapError(domain.ErrConfig, "resolve backend", fmt.Errorf("native-only policy violation: backend %q requested", kind))
	}
	if _, ok := r.handles[kind]; ok {
		return kind, nil
	}
	if r.guard.Strict || kind.IsNative() {
		return "", domain.WrapError(domain.ErrUnsupportedBackend, "resolve backend", fmt.Errorf("backend %q is not available in this build", kind))
	}
	if _, ok := r.handles[domain.BackendNative]; !ok {
		return "", domain.WrapError(domain.ErrUnsupportedBackend, "resolve backend", fmt.Errorf("no native engine registered"))
	}

	r.logger.Warn("backend_fallback", "requested", string(kind), "using", string(domain.BackendNative))
	if r.onFallback != nil {
		r.onFallback(kind, domain.BackendNative)
	}
	return domain.BackendNative, nil
}

func (r *Registry) handle(kind domain.BackendKind) (*Handle, error) {
	h, ok := r.handles[kind]
	if !ok {
		return nil, domain.WrapError(domain.ErrUnsupportedBackend, "select engine", fmt.Errorf("backend %q not registered", kind))
	}
	return h, nil
}

// Warm loads the engine for kind without running inference.
func (r *Registry) Warm(kind domain.BackendKind) error {
	h, err := r.handle(kind)
	if err != nil {
		return err
	}
	_, err = h.Get()
	return err
}

func (r *Registry) Stats() []CacheStats {
	out := make([]CacheStats, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}

func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
