package tool

import (
	"context"
	"fmt"
	"strings"
)

// SkipItemName is the built-in tool the model calls to decline an item.
const SkipItemName = "skip_item"

// SkipItem returns the skip_item definition. A successful call ends the
// step as agent_skipped with the given reason.
func SkipItem() Definition {
	return Definition{
		Name:        SkipItemName,
		Description: "Decline to act on the current item, for example because it is a duplicate or off topic.",
		Kind:        KindControl,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short machine-friendly reason, such as duplicate or irrelevant.",
				},
			},
			"required": []any{"reason"},
		},
		Handler: func(_ context.Context, params Params) (any, error) {
			reason := normaliseReason(params.String("reason"))
			if reason == "" {
				return nil, fmt.Errorf("%w: reason is required", ErrInvalidArgs)
			}
			return map[string]any{"skipped": true, "reason": reason}, nil
		},
	}
}

// SkipReason reports whether res is a successful skip_item call and its reason.
func SkipReason(res Result) (string, bool) {
	if !res.Success || res.Tool != SkipItemName {
		return "", false
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		return "", false
	}
	reason, _ := data["reason"].(string)
	return reason, true
}

func normaliseReason(r string) string {
	r = strings.ToLower(strings.TrimSpace(r))
	return strings.Join(strings.Fields(r), "_")
}

// RegisterBuiltins adds the built-in tools to r.
func RegisterBuiltins(r *Registry) error {
	if err := r.Register(SkipItem()); err != nil {
		return fmt.Errorf("register %s: %w", SkipItemName, err)
	}
	if err := r.Register(LocalSearch()); err != nil {
		return fmt.Errorf("register %s: %w", LocalSearchName, err)
	}
	return nil
}
