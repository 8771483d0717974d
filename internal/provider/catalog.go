package provider

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/goccy/go-yaml"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// DefaultCatalog returns the built-in provider catalog seeded into new user
// settings. Providers ship disabled; users enable them once they add
// credentials.
func DefaultCatalog() ([]Provider, error) {
	var file catalogFile
	if err := yaml.Unmarshal(defaultCatalogYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse default catalog: %w", err)
	}
	return file.Providers, nil
}

// DefaultCatalogJSON returns the default catalog in the JSON form stored on
// user settings.
func DefaultCatalogJSON() (string, error) {
	providers, err := DefaultCatalog()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(providers)
	if err != nil {
		return "", fmt.Errorf("failed to marshal default catalog: %w", err)
	}
	return string(b), nil
}
