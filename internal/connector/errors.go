package connector

import (
	"fmt"
	"strings"
)

// ValidationError is raised at connector acquisition when an app's
// configuration fails validation. The sync handler surfaces the field
// messages; the webhook handler keeps them on the internal log channel.
type ValidationError struct {
	AppKey string
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Warning {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", is.Field, is.Message))
	}
	return fmt.Sprintf("invalid configuration for app %s: %s", e.AppKey, strings.Join(msgs, "; "))
}
