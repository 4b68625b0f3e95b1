package character

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	StatMin = 1
	StatMax = 30
)

// Validate checks the shape the persistence store requires before any
// create or save: name, race, and class present, stat values inside
// [StatMin, StatMax] (zero meaning "unset"), resources well formed, and a
// non-negative currency bag. Failures wrap ErrValidation.
func (r Record) Validate() error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required.Error("name is required"), validation.Length(1, 120)),
		validation.Field(&r.Race, validation.Required.Error("race is required")),
		validation.Field(&r.Class, validation.Required.Error("class is required")),
		validation.Field(&r.Level, validation.Min(0)),
		validation.Field(&r.Experience, validation.Min(0)),
		validation.Field(&r.Stats, validation.By(validateStats)),
		validation.Field(&r.Resources, validation.By(validateResources)),
		validation.Field(&r.Inventory, validation.By(validateInventory)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func validateStats(value any) error {
	s, ok := value.(Stats)
	if !ok {
		return fmt.Errorf("not a stats block")
	}
	for _, name := range statNames {
		v, _ := s.Value(name)
		if v == 0 {
			continue // unset, defaulted by the transform
		}
		if v < StatMin || v > StatMax {
			return fmt.Errorf("%s must be between %d and %d, got %d", name, StatMin, StatMax, v)
		}
	}
	return nil
}

func validateResources(value any) error {
	res, ok := value.(Resources)
	if !ok {
		return fmt.Errorf("not a resources block")
	}
	for _, name := range []string{ResourceHealth, ResourceMana, ResourceActionPoints} {
		p, _ := res.Value(name)
		if p.Current < 0 {
			return fmt.Errorf("%s current must not be negative", name)
		}
		if p.Max < 0 {
			return fmt.Errorf("%s max must not be negative", name)
		}
	}
	return nil
}

func validateInventory(value any) error {
	inv, ok := value.(Inventory)
	if !ok {
		return fmt.Errorf("not an inventory block")
	}
	if inv.Currency.Negative() {
		return fmt.Errorf("currency denominations must not be negative")
	}
	return nil
}
