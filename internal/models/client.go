package models

import (
	"strings"
	"time"
)

// Admin permissions checked by the API layer
const (
	PermSubmissionsRead = "submissions:read"
	PermAssessmentsRead = "assessments:read"
)

// ApiClient is an admin integration authenticated by API key
type ApiClient struct {
	ID          int               `json:"id"`
	Name        string            `json:"name"`
	ApiKey      string            `json:"-"` // Never serialize
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasPermission checks if the client holds the required permission.
// "*" grants everything, "submissions:*" grants every submissions permission.
func (c *ApiClient) HasPermission(required string) bool {
	if c == nil || !c.IsActive {
		return false
	}

	for _, perm := range c.Permissions {
		if permissionMatches(perm, required) {
			return true
		}
	}
	return false
}

func permissionMatches(granted, required string) bool {
	switch {
	case granted == "*", granted == required:
		return true
	case strings.HasSuffix(granted, ":*"):
		return strings.HasPrefix(required, strings.TrimSuffix(granted, "*"))
	}
	return false
}

// MaskedApiKey returns first 8 characters of API key for logging
func (c *ApiClient) MaskedApiKey() string {
	if len(c.ApiKey) < 8 {
		return "***"
	}
	return c.ApiKey[:8] + "..."
}
