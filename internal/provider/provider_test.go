package provider

import (
	"errors"
	"strings"
	"testing"

	"github.com/codeforge-ai/backend/internal/apperrors"
)

func catalog() []Provider {
	return []Provider{
		{
			ID: "p1", Name: "Anthropic", ProviderType: TypeAnthropic, Enabled: true, AuthToken: "sk-token",
			Models: []Model{
				{ModelID: "model-a", Name: "Model A", Enabled: true},
				{ModelID: "model-off", Name: "Disabled Model", Enabled: false},
			},
		},
		{
			ID: "p2", Name: "Local", ProviderType: TypeCustom, Enabled: true, BaseURL: "http://localhost:8080",
			Models: []Model{{ModelID: "model-b", Name: "Model B", Enabled: true}},
		},
	}
}

func TestValidateModelAPIKeys(t *testing.T) {
	noToken := catalog()
	noToken[0].AuthToken = ""

	noBaseURL := catalog()
	noBaseURL[1].BaseURL = ""

	disabledProvider := catalog()
	disabledProvider[0].Enabled = false

	cases := []struct {
		name      string
		providers []Provider
		modelID   string
		wantErr   string
	}{
		{"anthropic with token", catalog(), "model-a", ""},
		{"custom with base url", catalog(), "model-b", ""},
		{"unknown model", catalog(), "nope", "No provider configured"},
		{"disabled model entry", catalog(), "model-off", "No provider configured"},
		{"disabled provider", disabledProvider, "model-a", "disabled"},
		{"anthropic missing token", noToken, "model-a", "auth token"},
		{"custom missing base url", noBaseURL, "model-b", "base URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateModelAPIKeys(tc.providers, tc.modelID)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateModelAPIKeys returned error: %v", err)
				}
				return
			}
			var vErr *apperrors.APIKeyValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T, want APIKeyValidationError", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestParseCatalog(t *testing.T) {
	providers, err := ParseCatalog("")
	if err != nil || providers != nil {
		t.Errorf("ParseCatalog(\"\") = (%v, %v), want empty", providers, err)
	}

	if _, err := ParseCatalog("garbage"); err == nil {
		t.Error("ParseCatalog of non-JSON should fail")
	}

	providers, err = ParseCatalog(`[{"id":"x","name":"X","provider_type":"custom","base_url":"http://x","enabled":true,"models":[{"model_id":"m","name":"M","enabled":true}]}]`)
	if err != nil {
		t.Fatalf("ParseCatalog returned error: %v", err)
	}
	if len(providers) != 1 || providers[0].Models[0].ModelID != "m" {
		t.Errorf("parsed catalog = %+v", providers)
	}
}

func TestDefaultCatalogShipsDisabled(t *testing.T) {
	providers, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog returned error: %v", err)
	}
	if len(providers) == 0 {
		t.Fatal("default catalog is empty")
	}
	for _, p := range providers {
		if p.Enabled {
			t.Errorf("provider %s ships enabled; default catalog providers must start disabled", p.ID)
		}
		if len(p.Models) == 0 {
			t.Errorf("provider %s has no models", p.ID)
		}
	}
}
