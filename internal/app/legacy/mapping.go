package legacy

import (
	"encoding/json"

	"vtt-server/internal/domain/character"
)

// mapLegacy converts one loosely typed legacy record into the canonical
// shape. Missing fields are left at their zero values; the schema
// transform fills the real defaults (stats to 10, pools, level 1) when
// the record is created through the persistence store.
func mapLegacy(legacy map[string]any) *character.Record {
	rec := &character.Record{
		ID:         asString(legacy["id"]),
		Name:       firstString(legacy, "name", "characterName"),
		Race:       asString(legacy["race"]),
		Subrace:    asString(legacy["subrace"]),
		Class:      asString(legacy["class"]),
		Alignment:  asString(legacy["alignment"]),
		Level:      firstInt(legacy, "level"),
		Experience: firstInt(legacy, "experience", "exp"),
		Exhaustion: firstInt(legacy, "exhaustion"),
	}

	rec.Stats = character.Stats{
		Strength:     firstInt(legacy, "strength", "str"),
		Dexterity:    firstInt(legacy, "dexterity", "dex"),
		Constitution: firstInt(legacy, "constitution", "con"),
		Intelligence: firstInt(legacy, "intelligence", "int"),
		Wisdom:       firstInt(legacy, "wisdom", "wis"),
		Charisma:     firstInt(legacy, "charisma", "cha"),
	}

	rec.Resources = character.Resources{
		Health: character.ResourcePool{
			Current: firstInt(legacy, "currentHealth", "hp"),
			Max:     firstInt(legacy, "maxHealth", "maxHp"),
		},
		Mana: character.ResourcePool{
			Current: firstInt(legacy, "currentMana", "mana"),
			Max:     firstInt(legacy, "maxMana"),
		},
		ActionPoints: character.ResourcePool{
			Current: firstInt(legacy, "actionPoints"),
			Max:     firstInt(legacy, "maxActionPoints"),
		},
	}

	rec.Inventory = character.Inventory{
		Items: asItems(legacy["items"]),
		Currency: character.Currency{
			Platinum: firstInt(legacy, "platinum"),
			Gold:     firstInt(legacy, "gold"),
			Silver:   firstInt(legacy, "silver"),
			Copper:   firstInt(legacy, "copper"),
		},
	}

	rec.Equipment = character.Equipment{
		Weapon:      asItem(legacy["weapon"]),
		Armor:       asItem(legacy["armor"]),
		Shield:      asItem(legacy["shield"]),
		Accessories: asItems(legacy["accessories"]),
	}

	lore := map[string]string{}
	for _, key := range []string{"backstory", "notes", "appearance", "personality"} {
		if v := asString(legacy[key]); v != "" {
			lore[key] = v
		}
	}
	if len(lore) > 0 {
		rec.Lore = lore
	}

	return rec
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if n, ok := asInt(m[k]); ok {
			return n
		}
	}
	return 0
}

func asItem(v any) character.Item {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return character.Item(m)
}

func asItems(v any) []character.Item {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	items := make([]character.Item, 0, len(list))
	for _, entry := range list {
		if it := asItem(entry); it != nil {
			items = append(items, it)
		}
	}
	return items
}
