// Package provider models the per-user catalog of AI model providers and
// validates that a requested model is usable before a stream starts.
package provider

import (
	"encoding/json"
	"fmt"

	"github.com/codeforge-ai/backend/internal/apperrors"
)

// ProviderType distinguishes hosted providers from user-supplied endpoints.
type ProviderType string

const (
	TypeAnthropic  ProviderType = "anthropic"
	TypeOpenRouter ProviderType = "openrouter"
	TypeCustom     ProviderType = "custom"
)

// Model is one model offered by a provider.
type Model struct {
	ModelID string `json:"model_id" yaml:"model_id"`
	Name    string `json:"name" yaml:"name"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Provider is one entry in a user's provider catalog.
type Provider struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	ProviderType ProviderType `json:"provider_type" yaml:"provider_type"`
	BaseURL      string       `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	AuthToken    string       `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
	Models       []Model      `json:"models" yaml:"models"`
}

// ParseCatalog parses the decrypted custom_providers JSON from user
// settings. An empty value parses as an empty catalog.
func ParseCatalog(raw string) ([]Provider, error) {
	if raw == "" {
		return nil, nil
	}
	var providers []Provider
	if err := json.Unmarshal([]byte(raw), &providers); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	return providers, nil
}

// ProviderForModel returns the provider offering the model through one of
// its enabled model entries.
func ProviderForModel(providers []Provider, modelID string) (*Provider, bool) {
	for i := range providers {
		for _, m := range providers[i].Models {
			if m.ModelID == modelID && m.Enabled {
				return &providers[i], true
			}
		}
	}
	return nil, false
}

// ValidateModelAPIKeys checks that the requested model maps to a usable
// provider. Every failure surfaces as an APIKeyValidationError.
func ValidateModelAPIKeys(providers []Provider, modelID string) error {
	p, ok := ProviderForModel(providers, modelID)
	if !ok {
		return apperrors.NewAPIKeyValidationError(fmt.Sprintf("No provider configured for model %s", modelID))
	}
	if !p.Enabled {
		return apperrors.NewAPIKeyValidationError(fmt.Sprintf("Provider %s is disabled", p.Name))
	}
	switch p.ProviderType {
	case TypeAnthropic, TypeOpenRouter:
		if p.AuthToken == "" {
			return apperrors.NewAPIKeyValidationError(fmt.Sprintf("Provider %s requires an auth token", p.Name))
		}
	case TypeCustom:
		if p.BaseURL == "" {
			return apperrors.NewAPIKeyValidationError(fmt.Sprintf("Provider %s requires a base URL", p.Name))
		}
	default:
		return apperrors.NewAPIKeyValidationError(fmt.Sprintf("Provider %s has unknown type %s", p.Name, p.ProviderType))
	}
	return nil
}
