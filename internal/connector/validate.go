package connector

import (
	"fmt"
	"os"

	"github.com/leftbrainit/supasaasy/internal/config"
)

// ValidateAppConfig runs the checks common to every connector: secret
// resolution, direct-secret policy, sync_from format and resource-type
// membership. Concrete connectors call it from ValidateConfig.
func ValidateAppConfig(meta Metadata, app config.AppConfig) []ValidationIssue {
	var issues []ValidationIssue

	issues = append(issues, checkSecret("api_key", app.Config.APIKeyEnv, app.Config.APIKey)...)
	issues = append(issues, checkSecret("webhook_secret", app.Config.WebhookSecretEnv, app.Config.WebhookSecret)...)

	if _, err := app.Config.SyncFromTime(); err != nil {
		issues = append(issues, ValidationIssue{Field: "sync_from", Message: err.Error()})
	}

	for _, rt := range app.Config.SyncResources {
		if _, ok := meta.Resource(rt); !ok {
			issues = append(issues, ValidationIssue{
				Field:   "sync_resources",
				Message: fmt.Sprintf("resource type %q is not supported by connector %s", rt, meta.Name),
			})
		}
	}

	return issues
}

func checkSecret(field, envName, direct string) []ValidationIssue {
	switch {
	case envName != "":
		if os.Getenv(envName) == "" {
			return []ValidationIssue{{
				Field:   field + "_env",
				Message: fmt.Sprintf("references environment variable %s which is not set", envName),
			}}
		}
	case direct != "":
		if config.Production() {
			return []ValidationIssue{{
				Field:   field,
				Message: "direct secrets are not allowed in production; use the _env form",
			}}
		}
		return []ValidationIssue{{
			Field:   field,
			Message: "secret is configured directly; prefer the _env form",
			Warning: true,
		}}
	default:
		return []ValidationIssue{{
			Field:   field,
			Message: "missing: set " + field + "_env or " + field,
		}}
	}
	return nil
}

// HasErrors reports whether any issue is a hard error (not a warning).
func HasErrors(issues []ValidationIssue) bool {
	for _, is := range issues {
		if !is.Warning {
			return true
		}
	}
	return false
}
