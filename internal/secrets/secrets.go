// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets reads credentials from a directory holding one file per
// key. The file name is the key and its trimmed contents are the value.
// Credentials set in the config file or environment take precedence; see
// Apply.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Key file names.
const (
	AnthropicAPIKey       = "anthropic-api-key"
	SemanticScholarAPIKey = "semantic-scholar-api-key"
	OpenAlexEmail         = "openalex-email"
)

// Known lists the key files Apply consumes.
var Known = []string{AnthropicAPIKey, SemanticScholarAPIKey, OpenAlexEmail}

// Load returns the non-empty key files in dir. A missing directory yields
// an empty map. Subdirectories and dotfiles are ignored; unreadable files
// are skipped with a warning, and key files readable by group or others
// are loaded with a warning.
func Load(dir string, logger *zap.Logger) (map[string]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable secret", zap.String("name", name), zap.Error(err))
			continue
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			continue
		}
		if info, err := entry.Info(); err == nil && info.Mode().Perm()&0o077 != 0 {
			logger.Warn("secret file is readable by other users",
				zap.String("path", path), zap.Stringer("mode", info.Mode().Perm()))
		}
		if !slices.Contains(Known, name) {
			logger.Debug("loaded unrecognized secret", zap.String("name", name))
		}
		out[name] = value
	}
	return out, nil
}

// Apply fills empty credential fields of cfg from secrets.
func Apply(cfg *types.PipelineConfig, secrets map[string]string) {
	fill := func(field *string, key string) {
		if *field == "" {
			*field = secrets[key]
		}
	}
	fill(&cfg.Evaluator.APIKey, AnthropicAPIKey)
	fill(&cfg.Search.SemanticScholarAPIKey, SemanticScholarAPIKey)
	fill(&cfg.Search.OpenAlexEmail, OpenAlexEmail)
}
