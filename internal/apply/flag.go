package apply

import (
	"context"
	"fmt"

	"untild/internal/change"
	"untild/internal/content"
)

const (
	flagYes = "yes"
	flagNo  = "no"
)

// FlagApplier toggles a named boolean flag on an item (e.g. "featured").
// Values are "yes"/"no"; the old value is rendered the same way.
//
// After applying it re-reads the flag and fails if the readback does not
// match the requested value, so a silent no-op in the host counts as failure.
type FlagApplier struct {
	Library content.Library
	Flag    string
}

func (a FlagApplier) Kind() change.Kind { return change.KindFlag }

func (FlagApplier) CheckValue(newValue string) error {
	if newValue != flagYes && newValue != flagNo {
		return fmt.Errorf("%w: flag value must be %q or %q, got %q", change.ErrIllegalValue, flagYes, flagNo, newValue)
	}
	return nil
}

func renderFlag(on bool) string {
	if on {
		return flagYes
	}
	return flagNo
}

func (a FlagApplier) Apply(ctx context.Context, targetID, newValue string) (string, error) {
	if err := a.CheckValue(newValue); err != nil {
		return "", err
	}
	want := newValue == flagYes

	old, err := a.Library.SetFlag(ctx, targetID, a.Flag, want)
	if err != nil {
		return "", fmt.Errorf("%w: set flag %q: %v", change.ErrApply, a.Flag, err)
	}

	// Verify by readback, not just "no error returned".
	item, ok, err := a.Library.Get(ctx, targetID)
	if err != nil {
		return "", fmt.Errorf("%w: readback: %v", change.ErrApply, err)
	}
	if !ok || item.Flags[a.Flag] != want {
		return "", fmt.Errorf("%w: flag %q readback does not match %q", change.ErrApply, a.Flag, newValue)
	}
	return renderFlag(old), nil
}
