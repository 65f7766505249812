package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
)

// BackendKind names the upstream project-management system.
type BackendKind string

const (
	BackendERPNext     BackendKind = "erpnext"
	BackendOpenProject BackendKind = "openproject"
)

// BackendConfig is the resolved, immutable upstream selection. Exactly one
// backend is active per process.
type BackendConfig struct {
	Kind      BackendKind
	URL       string
	APIKey    string
	APISecret string // ERPNext only
	ProjectID int    // OpenProject only
}

// String never includes credentials.
func (b BackendConfig) String() string {
	return fmt.Sprintf("%s(%s)", b.Kind, b.URL)
}

// MarshalZerologObject logs only the kind and base URL.
func (b BackendConfig) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(b.Kind)).Str("url", b.URL)
}

// ERPNextEnabled reports whether the USE_ERPNEXT flag is truthy.
// Accepts "true", "1", "yes" (case-insensitive).
func (c *Config) ERPNextEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(c.UseERPNext)) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// ResolveBackend selects the upstream backend from the configuration snapshot.
//
// ERPNext is chosen when the flag is truthy and URL, key and secret are all
// present. Otherwise OpenProject is used, which requires a non-empty API key and
// a positive integer project id. Any other state is a *perrors.ConfigError.
func ResolveBackend(c *Config) (BackendConfig, error) {
	if c.ERPNextEnabled() {
		url := strings.TrimSpace(c.ERPNextURL)
		key := strings.TrimSpace(c.ERPNextAPIKey)
		secret := strings.TrimSpace(c.ERPNextAPISecret)
		if url != "" && key != "" && secret != "" {
			return BackendConfig{
				Kind:      BackendERPNext,
				URL:       strings.TrimSuffix(url, "/"),
				APIKey:    key,
				APISecret: secret,
			}, nil
		}
	}

	if strings.TrimSpace(c.OpenProjectAPIKey) == "" {
		return BackendConfig{}, perrors.NewConfigError(
			"OpenProject API key is required when ERPNext is disabled or incomplete",
			"OPENPROJECT_API_KEY")
	}

	projectID, err := strconv.Atoi(strings.TrimSpace(c.OpenProjectProjectID))
	if err != nil || projectID <= 0 {
		return BackendConfig{}, perrors.NewConfigError(
			"OpenProject project id is required and must be a positive integer",
			"OPENPROJECT_PROJECT_ID")
	}

	url := strings.TrimSpace(c.OpenProjectURL)
	if url == "" {
		url = "http://localhost:8080"
	}

	return BackendConfig{
		Kind:      BackendOpenProject,
		URL:       strings.TrimSuffix(url, "/"),
		APIKey:    strings.TrimSpace(c.OpenProjectAPIKey),
		ProjectID: projectID,
	}, nil
}
