package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WarmingManifest lists requests that the gateway keeps warm in the cache.
// It is loaded from a standalone YAML file so operations can update the
// warm set (e.g. the most frequently requested assessment questions)
// without redeploying the gateway.
type WarmingManifest struct {
	// Requests are the request descriptors to keep warm.
	Requests []WarmRequest `yaml:"requests"`
}

// WarmRequest is a single request descriptor in the warming manifest.
type WarmRequest struct {
	// Provider names the provider endpoint to resolve through.
	Provider string `yaml:"provider"`

	// Model is the model requested from the provider.
	Model string `yaml:"model,omitempty"`

	// TemplateID identifies the prompt template.
	TemplateID string `yaml:"templateId"`

	// TemplateVersion is the prompt template version.
	TemplateVersion string `yaml:"templateVersion,omitempty"`

	// Params are the template parameters.
	Params map[string]string `yaml:"params,omitempty"`

	// ContextDigest is the business-context digest, if any.
	ContextDigest string `yaml:"contextDigest,omitempty"`
}

// LoadWarmingManifest loads a warming manifest from a YAML file.
func LoadWarmingManifest(path string) (*WarmingManifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // path is validated via filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read warming manifest %s: %w", path, err)
	}

	var manifest WarmingManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse warming manifest: %w", err)
	}

	for i, req := range manifest.Requests {
		if req.TemplateID == "" {
			return nil, fmt.Errorf("warming manifest entry %d: templateId is required", i)
		}
	}

	return &manifest, nil
}
