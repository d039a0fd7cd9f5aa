package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// schemePrefixPattern matches any URL scheme prefix, e.g. "javascript:" or
// "https:".
var schemePrefixPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*:`)

// validateNavigationPath permits only same-origin relative paths. Scheme
// prefixes, protocol-relative paths and absolute external URLs are rejected.
func validateNavigationPath(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return fmt.Errorf("navigation path is empty")
	}
	if schemePrefixPattern.MatchString(trimmed) {
		return fmt.Errorf("navigation to %q is not allowed: URL schemes are forbidden", path)
	}
	if strings.HasPrefix(trimmed, "//") {
		return fmt.Errorf("navigation to %q is not allowed: protocol-relative paths are forbidden", path)
	}
	return nil
}

type navigateParams struct {
	Path string `json:"path"`
}

// NewNavigateTool builds the navigation tool. navigate receives only paths
// that passed the same-origin check; rejection returns ok:false, it never
// panics or throws.
func NewNavigateTool(navigate func(path string)) Tool {
	return NewTool("navigate", "Navigate the panel to an application path",
		func(_ context.Context, params navigateParams) Result {
			if err := validateNavigationPath(params.Path); err != nil {
				return Fail("%v", err)
			}

			if navigate != nil {
				navigate(params.Path)
			}
			return Succeed(map[string]any{"path": params.Path})
		})
}

type alertParams struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// NewAlertTool builds the alert tool. show is the UI collaborator that
// actually displays the notice.
func NewAlertTool(show func(level, message string)) Tool {
	return NewTool("alert", "Show a notice to the user",
		func(_ context.Context, params alertParams) Result {
			level := params.Level
			if level == "" {
				level = "info"
			}

			if show != nil {
				show(level, params.Message)
			}
			return Succeed(nil)
		})
}
