package ppe

import (
	"encoding/json"
	"testing"
)

func TestMissingItems(t *testing.T) {
	tests := []struct {
		name      string
		hasHelmet bool
		hasVest   bool
		expected  ItemSet
	}{
		{"compliant", true, true, 0},
		{"no helmet", false, true, NewItemSet(ItemHelmet)},
		{"no vest", true, false, NewItemSet(ItemVest)},
		{"nothing", false, false, NewItemSet(ItemHelmet, ItemVest)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MissingItems(tt.hasHelmet, tt.hasVest)
			if got != tt.expected {
				t.Errorf("MissingItems(%v, %v) = %v, want %v", tt.hasHelmet, tt.hasVest, got, tt.expected)
			}
		})
	}
}

func TestItemSetDiff(t *testing.T) {
	helmet := NewItemSet(ItemHelmet)
	both := NewItemSet(ItemHelmet, ItemVest)

	added, removed := helmet.Diff(both)
	if added != NewItemSet(ItemVest) || !removed.Empty() {
		t.Errorf("helmet->both: added=%v removed=%v", added, removed)
	}

	added, removed = both.Diff(NewItemSet(ItemVest))
	if !added.Empty() || removed != helmet {
		t.Errorf("both->vest: added=%v removed=%v", added, removed)
	}
}

func TestItemSetString(t *testing.T) {
	tests := []struct {
		set      ItemSet
		expected string
	}{
		{0, ""},
		{NewItemSet(ItemHelmet), "helmet"},
		{NewItemSet(ItemVest, ItemHelmet), "helmet,vest"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.set.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
			parsed, err := ParseItemSet(tt.expected)
			if err != nil {
				t.Fatalf("ParseItemSet(%q): %v", tt.expected, err)
			}
			if parsed != tt.set {
				t.Errorf("ParseItemSet(%q) = %v, want %v", tt.expected, parsed, tt.set)
			}
		})
	}

	if _, err := ParseItemSet("helmet,gloves"); err == nil {
		t.Error("expected error for unknown item")
	}
}

func TestItemSetJSON(t *testing.T) {
	data, err := json.Marshal(NewItemSet(ItemHelmet, ItemVest))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["helmet","vest"]` {
		t.Errorf("got %s", data)
	}

	var s ItemSet
	if err := json.Unmarshal([]byte(`["no_vest"]`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != NewItemSet(ItemVest) {
		t.Errorf("got %v, want vest", s)
	}
}

func TestParseClass(t *testing.T) {
	tests := []struct {
		label string
		want  Class
		ok    bool
	}{
		{"Helmet", ClassHelmet, true},
		{"hard-hat", ClassHelmet, true},
		{"safety_vest", ClassVest, true},
		{"PERSON", ClassPerson, true},
		{"No_Helmet", ClassNoHelmet, true},
		{"no-vest", ClassNoVest, true},
		{"car", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, ok := ParseClass(tt.label)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseClass(%q) = (%q, %v), want (%q, %v)", tt.label, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestObservationKey(t *testing.T) {
	known := Observation{WorkerID: "W001", Handle: 7}
	if known.Key() != "W001" {
		t.Errorf("known key = %q", known.Key())
	}
	unknown := Observation{Handle: 7}
	if unknown.Key() != "handle:7" {
		t.Errorf("unknown key = %q", unknown.Key())
	}
}
