package apply

import (
	"context"
	"fmt"

	"untild/internal/change"
	"untild/internal/content"
)

// Validator checks a proposed change before it is persisted.
// Checks run most-specific-first: target, then kind, then value.
type Validator struct {
	Library  content.Library
	Registry *Registry
}

func (v Validator) Validate(ctx context.Context, targetID string, kind change.Kind, newValue string) error {
	_, ok, err := v.Library.Get(ctx, targetID)
	if err != nil {
		return fmt.Errorf("%w: lookup %q: %v", change.ErrStorage, targetID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", change.ErrUnknownTarget, targetID)
	}
	if _, ok := v.Registry.Get(kind); !ok {
		return fmt.Errorf("%w: %q", change.ErrUnsupportedKind, kind)
	}
	return v.Registry.CheckValue(kind, newValue)
}
