package post

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports caller input that can never succeed. Nothing is
// persisted when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks content and the target list.
func Validate(content Content, targets []string) error {
	if content.Empty() {
		return &ValidationError{Field: "content", Message: "text, media or links required"}
	}
	if len(targets) == 0 {
		return &ValidationError{Field: "targets", Message: "at least one target required"}
	}
	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		if strings.TrimSpace(t) == "" {
			return &ValidationError{Field: fmt.Sprintf("targets[%d]", i), Message: "empty target id"}
		}
		if _, dup := seen[t]; dup {
			return &ValidationError{Field: fmt.Sprintf("targets[%d]", i), Message: fmt.Sprintf("duplicate target %q", t)}
		}
		seen[t] = struct{}{}
	}
	return nil
}
