package character

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRequiresIdentityFields(t *testing.T) {
	rec := sampleRecord()
	rec.Name = ""
	err := rec.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidation))

	rec = sampleRecord()
	rec.Race = ""
	require.Error(t, rec.Validate())

	rec = sampleRecord()
	rec.Class = ""
	require.Error(t, rec.Validate())
}

func TestValidateStatBounds(t *testing.T) {
	rec := sampleRecord()
	rec.Stats.Strength = 31
	err := rec.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidation))

	rec.Stats.Strength = -2
	require.Error(t, rec.Validate())

	// Zero means unset and passes; the transform fills the default.
	rec.Stats.Strength = 0
	require.NoError(t, rec.Validate())
}

func TestValidateNegativeCurrencyAndResources(t *testing.T) {
	rec := sampleRecord()
	rec.Inventory.Currency.Copper = -1
	require.Error(t, rec.Validate())

	rec = sampleRecord()
	rec.Resources.Health.Current = -5
	require.Error(t, rec.Validate())
}
