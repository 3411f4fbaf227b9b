package apply

import (
	"context"
	"fmt"

	"untild/internal/change"
	"untild/internal/content"
)

// Item statuses accepted by the status applier.
var validStatuses = map[string]bool{
	"publish": true,
	"draft":   true,
	"pending": true,
	"private": true,
	"trash":   true,
}

// StatusApplier replaces an item's status. The old value is the status
// observed before the mutation.
type StatusApplier struct {
	Library content.Library
}

func (StatusApplier) Kind() change.Kind { return change.KindStatus }

func (StatusApplier) CheckValue(newValue string) error {
	if !validStatuses[newValue] {
		return fmt.Errorf("%w: unknown status %q", change.ErrIllegalValue, newValue)
	}
	return nil
}

func (a StatusApplier) Apply(ctx context.Context, targetID, newValue string) (string, error) {
	if err := a.CheckValue(newValue); err != nil {
		return "", err
	}
	old, err := a.Library.SetStatus(ctx, targetID, newValue)
	if err != nil {
		return "", fmt.Errorf("%w: set status: %v", change.ErrApply, err)
	}
	return old, nil
}
