// Package policyfile reads policy definitions from standalone YAML files and
// merges them with the inline policies of the main configuration.
package policyfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arboric/arboric/internal/config"
	"github.com/arboric/arboric/internal/domain/policy"
)

// document is the on-disk form: either a bare list of policies or a
// mapping with a "policies" key.
type document struct {
	Policies []policy.Definition `yaml:"policies"`
}

// Load reads the policies in path, keeping their order.
func Load(path string) ([]policy.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policies file: %w", err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse policies file %s: %w", path, err)
	}
	return defs, nil
}

// Parse decodes policies from YAML. Unknown keys are rejected so that a
// misspelt condition cannot silently widen a policy.
func Parse(data []byte) ([]policy.Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if root.Content[0].Kind == yaml.SequenceNode {
		var defs []policy.Definition
		if err := dec.Decode(&defs); err != nil {
			return nil, err
		}
		return defs, nil
	}

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Policies, nil
}

// Write encodes defs as a YAML document with a "policies" key.
func Write(w io.Writer, defs []policy.Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(document{Policies: defs}); err != nil {
		return err
	}
	return enc.Close()
}

// ConfigLoader reads the current configuration.
type ConfigLoader interface {
	Load() (*config.Config, error)
}

// Source supplies policies from the configuration: the inline ones first,
// then those of policies_file. It re-reads both on every call, so it
// serves reloads as well as startup.
type Source struct {
	loader ConfigLoader
	logger *slog.Logger
}

// NewSource creates a Source over loader.
func NewSource(loader ConfigLoader, logger *slog.Logger) *Source {
	return &Source{loader: loader, logger: logger}
}

// LoadPolicies returns the merged definitions. In dev mode an empty result
// is replaced by a single allow-any policy.
func (s *Source) LoadPolicies(ctx context.Context) ([]policy.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := s.loader.Load()
	if err != nil {
		return nil, err
	}
	return Merge(cfg, s.logger)
}

// Merge combines the inline policies of cfg with its policies file.
func Merge(cfg *config.Config, logger *slog.Logger) ([]policy.Definition, error) {
	defs := cfg.PolicyDefinitions()

	if cfg.PoliciesFile != "" {
		fromFile, err := Load(cfg.PoliciesFile)
		if err != nil {
			return nil, err
		}
		logger.Debug("policies file loaded", "path", cfg.PoliciesFile, "policies", len(fromFile))
		defs = append(defs, fromFile...)
	}

	if len(defs) == 0 && cfg.DevMode {
		logger.Warn("dev mode: no policies configured, allowing every request")
		defs = []policy.Definition{policy.AllowAny()}
	}
	return defs, nil
}
