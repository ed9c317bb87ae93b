package itemstring

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/atmx/market-history/internal/model"
)

func TestRoundTrip(t *testing.T) {
	cases := []ItemString{
		MustNew(KindItem, 19019, nil, nil),
		MustNew(KindCommodity, 2589, nil, nil),
		MustNew(KindItem, 19019, []int64{6652, 1699}, nil),
		MustNew(KindItem, 19019, []int64{1699, 6652}, nil),
		MustNew(KindItem, 158075, []int64{4822}, []Modifier{{Type: 28, Value: 2}, {Type: 9, Value: 60}}),
		MustNew(KindItem, 158075, nil, []Modifier{{Type: 9, Value: 60}}),
		MustNew(KindCommodity, 2589, []int64{}, []Modifier{}),
		MustNew(KindItem, 1, []int64{}, nil),
		MustNew(KindItem, 1, nil, []Modifier{}),
	}
	for _, want := range cases {
		got, err := Parse(want.String())
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", want.String(), err)
		}
		if got != want {
			t.Errorf("round trip of %q produced %q", want.String(), got.String())
		}
	}
}

func TestString_Canonical(t *testing.T) {
	tests := []struct {
		id   ItemString
		want string
	}{
		{MustNew(KindItem, 19019, nil, nil), "i:19019"},
		{MustNew(KindCommodity, 2589, []int64{}, []Modifier{}), "c:2589:b:m"},
		{MustNew(KindItem, 5, []int64{3, 1, 2}, nil), "i:5:b3,1,2"},
		{MustNew(KindItem, 5, nil, []Modifier{{28, 2}, {9, 60}, {28, 2}}), "i:5:m9=60,28=2"},
	}
	for _, tt := range tests {
		if got := tt.id.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestEquality(t *testing.T) {
	a := MustNew(KindItem, 10, []int64{1, 2}, nil)
	b := MustNew(KindItem, 10, []int64{2, 1}, nil)
	if a == b {
		t.Error("bonus order must be part of identity")
	}

	empty := MustNew(KindItem, 10, nil, []Modifier{})
	absent := MustNew(KindItem, 10, nil, nil)
	if empty == absent {
		t.Error("empty modifiers must differ from absent modifiers")
	}

	m1 := MustNew(KindItem, 10, nil, []Modifier{{1, 1}, {2, 2}})
	m2 := MustNew(KindItem, 10, nil, []Modifier{{2, 2}, {1, 1}})
	if m1 != m2 {
		t.Error("modifiers are a set, order must not matter")
	}

	if MustNew(KindItem, 10, nil, nil) == MustNew(KindCommodity, 10, nil, nil) {
		t.Error("kind must be part of identity")
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(KindItem, 0, nil, nil); !errors.Is(err, ErrMalformedIdentity) {
		t.Errorf("expected ErrMalformedIdentity for id 0, got %v", err)
	}
	if _, err := New(KindItem, -4, nil, nil); !errors.Is(err, ErrMalformedIdentity) {
		t.Errorf("expected ErrMalformedIdentity for negative id, got %v", err)
	}
	if _, err := New(Kind('x'), 4, nil, nil); !errors.Is(err, ErrMalformedIdentity) {
		t.Errorf("expected ErrMalformedIdentity for unknown kind, got %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"i",
		"i:",
		"i:abc",
		"x:12",
		"ii:12",
		"i:0",
		"i:12:b1,,2",
		"i:12:bx",
		"i:12:m1",
		"i:12:m1=x",
		"i:12:m:b",       // modifiers before bonuses
		"i:12:b1:b2",     // repeated segment
		"i:12:q4",        // unknown segment
		"i:12:b1:m1=1:x", // too many segments
	}
	for _, raw := range tests {
		_, err := Parse(raw)
		if err == nil {
			t.Errorf("expected error for %q", raw)
			continue
		}
		if !errors.Is(err, ErrMalformedIdentity) {
			t.Errorf("expected ErrMalformedIdentity for %q, got %v", raw, err)
		}
	}
}

func TestParse_NonCanonical(t *testing.T) {
	tests := []struct {
		raw       string
		canonical string
	}{
		{"i:+1", "i:1"},
		{"i:01", "i:1"},
		{"i:1:b01", "i:1:b1"},
		{"i:1:b+2,3", "i:1:b2,3"},
		{"i:1:m28=2,9=60", "i:1:m9=60,28=2"},
		{"i:1:m9=60,9=60", "i:1:m9=60"},
		{"c:7:m1=01", "c:7:m1=1"},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.raw); !errors.Is(err, ErrMalformedIdentity) {
			t.Errorf("Parse(%q): expected ErrMalformedIdentity, got %v", tt.raw, err)
		}
		if _, err := Parse(tt.canonical); err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.canonical, err)
		}
	}
}

func TestAccessors(t *testing.T) {
	s := MustNew(KindCommodity, 77, []int64{4, 3}, []Modifier{{5, 1}})
	if s.Kind() != KindCommodity || s.ID() != 77 {
		t.Errorf("unexpected kind/id: %v/%d", s.Kind(), s.ID())
	}
	bonuses, ok := s.Bonuses()
	if !ok || len(bonuses) != 2 || bonuses[0] != 4 || bonuses[1] != 3 {
		t.Errorf("unexpected bonuses: %v %v", bonuses, ok)
	}
	mods, ok := s.Modifiers()
	if !ok || len(mods) != 1 || mods[0] != (Modifier{5, 1}) {
		t.Errorf("unexpected modifiers: %v %v", mods, ok)
	}

	bare := MustNew(KindItem, 1, nil, []Modifier{})
	if b, ok := bare.Bonuses(); ok || b != nil {
		t.Errorf("expected absent bonuses, got %v %v", b, ok)
	}
	if m, ok := bare.Modifiers(); !ok || m == nil || len(m) != 0 {
		t.Errorf("expected present-empty modifiers, got %v %v", m, ok)
	}
}

func TestFromAuctionItem(t *testing.T) {
	item := &model.AuctionItem{
		ID:         19019,
		BonusLists: []int64{6652, 1699},
		Modifiers:  []model.ItemModifier{{Type: 28, Value: 2}, {Type: 9, Value: 60}},
	}
	s, err := FromAuctionItem(KindItem, item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.String() != "i:19019:b6652,1699:m9=60,28=2" {
		t.Errorf("unexpected identity %q", s.String())
	}

	if _, err := FromAuctionItem(KindItem, nil); !errors.Is(err, ErrMalformedIdentity) {
		t.Errorf("expected ErrMalformedIdentity for nil item, got %v", err)
	}
	if _, err := FromAuctionItem(KindItem, &model.AuctionItem{}); !errors.Is(err, ErrMalformedIdentity) {
		t.Errorf("expected ErrMalformedIdentity for missing id, got %v", err)
	}
}

func TestJSONMapKey(t *testing.T) {
	in := map[ItemString]int{
		MustNew(KindItem, 1, nil, nil):        1,
		MustNew(KindItem, 1, []int64{2}, nil): 2,
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"i:1":1,"i:1:b2":2}` {
		t.Errorf("unexpected encoding %s", raw)
	}
	var out map[ItemString]int
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 || out[MustNew(KindItem, 1, []int64{2}, nil)] != 2 {
		t.Errorf("unexpected decoded map %v", out)
	}
}
