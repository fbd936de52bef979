// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arboric/arboric/internal/domain/claims"
	"github.com/arboric/arboric/internal/domain/graphql"
	"github.com/arboric/arboric/internal/domain/policy"
)

// PolicySource supplies the ordered policy definitions.
type PolicySource interface {
	LoadPolicies(ctx context.Context) ([]policy.Definition, error)
}

// PolicySourceFunc adapts a function to PolicySource.
type PolicySourceFunc func(ctx context.Context) ([]policy.Definition, error)

// LoadPolicies calls f.
func (f PolicySourceFunc) LoadPolicies(ctx context.Context) ([]policy.Definition, error) {
	return f(ctx)
}

// ReloadResult describes the outcome of a reload.
type ReloadResult struct {
	Changed  bool      `json:"changed"`
	Version  string    `json:"version"`
	Policies int       `json:"policies"`
	LoadedAt time.Time `json:"loaded_at"`
}

// PolicyService owns the process-wide policy set.
// Readers load an immutable *policy.Set without locking; Reload builds a new
// set and swaps it in whole, so in-flight evaluations keep a consistent view.
type PolicyService struct {
	source   PolicySource
	compiler policy.ExprCompiler
	current  atomic.Pointer[policy.Set]
	loadedAt atomic.Int64
	mu       sync.Mutex // serializes Reload
	logger   *slog.Logger
}

// NewPolicyService loads and compiles the initial policy set.
// compiler may be nil when expression conditions are not used.
func NewPolicyService(ctx context.Context, source PolicySource, compiler policy.ExprCompiler, logger *slog.Logger) (*PolicyService, error) {
	s := &PolicyService{
		source:   source,
		compiler: compiler,
		logger:   logger,
	}

	set, err := s.build(ctx)
	if err != nil {
		return nil, err
	}
	s.publish(set)

	if set.Len() == 0 {
		logger.Warn("no policies configured, every request will be denied")
	}
	logger.Info("policy service initialized",
		"policies", set.Len(),
		"version", set.Version(),
	)
	return s, nil
}

// Current returns the active policy set.
func (s *PolicyService) Current() *policy.Set {
	return s.current.Load()
}

// LoadedAt returns when the active set was published.
func (s *PolicyService) LoadedAt() time.Time {
	return time.Unix(0, s.loadedAt.Load())
}

// Evaluate decides req against the active set and returns the set it used.
func (s *PolicyService) Evaluate(c claims.Claims, req *graphql.Request) (policy.Decision, *policy.Set) {
	set := s.current.Load()
	return set.Evaluate(c, req), set
}

// Reload rebuilds the policy set from the source. On error the active set
// is kept. A reload that yields the same fingerprint is a no-op.
func (s *PolicyService) Reload(ctx context.Context) (ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.build(ctx)
	if err != nil {
		s.logger.Error("policy reload failed, keeping active policies",
			"error", err,
			"version", s.Current().Version(),
		)
		return ReloadResult{}, err
	}

	old := s.Current()
	if old != nil && old.Fingerprint() == set.Fingerprint() {
		s.logger.Info("policy reload: no changes", "version", old.Version())
		return ReloadResult{
			Changed:  false,
			Version:  old.Version(),
			Policies: old.Len(),
			LoadedAt: s.LoadedAt(),
		}, nil
	}

	s.publish(set)
	s.logger.Info("policies reloaded",
		"policies", set.Len(),
		"version", set.Version(),
		"previous_version", old.Version(),
	)
	return ReloadResult{
		Changed:  true,
		Version:  set.Version(),
		Policies: set.Len(),
		LoadedAt: s.LoadedAt(),
	}, nil
}

func (s *PolicyService) build(ctx context.Context) (*policy.Set, error) {
	defs, err := s.source.LoadPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	set, err := policy.Compile(defs, s.compiler)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}
	return set, nil
}

func (s *PolicyService) publish(set *policy.Set) {
	s.current.Store(set)
	s.loadedAt.Store(time.Now().UnixNano())
}
