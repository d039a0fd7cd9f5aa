package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
)

// Tool is one explicitly registered handler. Required argument names are
// derived from the handler's parameter struct at registration time.
type Tool struct {
	Name        string
	Description string
	Required    []string

	handler func(ctx context.Context, args map[string]any, data json.RawMessage) Result
}

// NewTool registers a handler taking a typed parameter struct. The struct is
// reflected into a JSON schema; its required properties are validated before
// the handler runs, so handlers never see missing required fields.
func NewTool[T any](name, description string, handler func(ctx context.Context, params T) Result) Tool {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(new(T))

	required := append([]string(nil), schema.Required...)

	return Tool{
		Name:        name,
		Description: description,
		Required:    required,
		handler: func(ctx context.Context, args map[string]any, data json.RawMessage) Result {
			if missing := missingArguments(args, required); missing != "" {
				return Fail("missing required field: %s", missing)
			}

			var params T
			if len(data) > 0 {
				if err := json.Unmarshal(data, &params); err != nil {
					return Fail("invalid arguments for %s: %v", name, err)
				}
			}

			return handler(ctx, params)
		},
	}
}

func (t Tool) run(ctx context.Context, data json.RawMessage) Result {
	args, err := decodeArguments(data)
	if err != nil {
		return Fail("invalid arguments for %s: %v", t.Name, err)
	}

	return t.handler(ctx, args, data)
}

// normalizeActionName folds server-side casing like "Create_Kpi" into the
// canonical lowercase action shape.
func normalizeActionName(name string) string {
	return strings.ToLower(name)
}
