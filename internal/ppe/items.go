package ppe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Item is a piece of protective equipment the monitor checks for.
type Item uint8

const (
	ItemHelmet Item = 1 << iota
	ItemVest
)

// AllItems lists the checked items in reporting order.
var AllItems = []Item{ItemHelmet, ItemVest}

// String returns the item name.
func (i Item) String() string {
	switch i {
	case ItemHelmet:
		return "helmet"
	case ItemVest:
		return "vest"
	}
	return fmt.Sprintf("item(%d)", uint8(i))
}

// ParseItem parses "helmet" or "vest" (also accepts the original "no_helmet" form).
func ParseItem(s string) (Item, bool) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "no_")
	switch s {
	case "helmet":
		return ItemHelmet, true
	case "vest":
		return ItemVest, true
	}
	return 0, false
}

// ItemSet is a set of items stored as a bitmask.
type ItemSet uint8

// MissingItems builds the set of items not present.
func MissingItems(hasHelmet, hasVest bool) ItemSet {
	var s ItemSet
	if !hasHelmet {
		s = s.Add(ItemHelmet)
	}
	if !hasVest {
		s = s.Add(ItemVest)
	}
	return s
}

// NewItemSet builds a set from items.
func NewItemSet(items ...Item) ItemSet {
	var s ItemSet
	for _, it := range items {
		s = s.Add(it)
	}
	return s
}

// Has reports whether the set contains the item.
func (s ItemSet) Has(i Item) bool {
	return uint8(s)&uint8(i) != 0
}

// Add returns the set with the item added.
func (s ItemSet) Add(i Item) ItemSet {
	return ItemSet(uint8(s) | uint8(i))
}

// Empty reports whether no item is in the set.
func (s ItemSet) Empty() bool {
	return s == 0
}

// Diff returns the items added and removed going from s to next.
func (s ItemSet) Diff(next ItemSet) (added, removed ItemSet) {
	return ItemSet(uint8(next) &^ uint8(s)), ItemSet(uint8(s) &^ uint8(next))
}

// Items returns the members in reporting order.
func (s ItemSet) Items() []Item {
	items := make([]Item, 0, len(AllItems))
	for _, it := range AllItems {
		if s.Has(it) {
			items = append(items, it)
		}
	}
	return items
}

// String renders the set as "helmet,vest".
func (s ItemSet) String() string {
	names := make([]string, 0, len(AllItems))
	for _, it := range s.Items() {
		names = append(names, it.String())
	}
	return strings.Join(names, ",")
}

// ParseItemSet parses the String form. Unknown names are an error.
func ParseItemSet(s string) (ItemSet, error) {
	var set ItemSet
	if strings.TrimSpace(s) == "" {
		return set, nil
	}
	for _, part := range strings.Split(s, ",") {
		it, ok := ParseItem(part)
		if !ok {
			return 0, fmt.Errorf("unknown item %q", part)
		}
		set = set.Add(it)
	}
	return set, nil
}

// MarshalJSON encodes the set as a list of item names.
func (s ItemSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(AllItems))
	for _, it := range s.Items() {
		names = append(names, it.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a list of item names.
func (s *ItemSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("decoding item set: %w", err)
	}
	var set ItemSet
	for _, n := range names {
		it, ok := ParseItem(n)
		if !ok {
			return fmt.Errorf("unknown item %q", n)
		}
		set = set.Add(it)
	}
	*s = set
	return nil
}
