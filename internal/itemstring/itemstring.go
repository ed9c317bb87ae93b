// Package itemstring implements the canonical identity of a tradable item
// variant and its compact string form.
//
// Format: {kind}:{baseID}[:b{bonus,...}][:m{type=value,...}]
// Examples:
//
//	i:19019
//	i:19019:b6652,1699
//	c:2589:b:m
//	i:158075:b4822:m9=60,28=2
//
// Bonus order is significant and kept as given. Modifiers are a set and are
// emitted sorted by (type, value) without duplicates. A present-but-empty
// list is written as a bare ":b" or ":m" and is distinct from an absent one.
package itemstring

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/atmx/market-history/internal/model"
)

// Kind distinguishes plain items from currency-like commodity items. Both
// produce structurally identical keys.
type Kind byte

const (
	KindItem      Kind = 'i'
	KindCommodity Kind = 'c'
)

func (k Kind) valid() bool {
	return k == KindItem || k == KindCommodity
}

func (k Kind) String() string {
	switch k {
	case KindItem:
		return "item"
	case KindCommodity:
		return "commodity"
	default:
		return fmt.Sprintf("kind(%q)", byte(k))
	}
}

var ErrMalformedIdentity = errors.New("itemstring: malformed item identity")

// Modifier is one (type, value) item attribute.
type Modifier struct {
	Type  int64
	Value int64
}

// ItemString is an immutable item identity. It is comparable with == and
// can key a map directly; list attributes are held in their canonical
// encoded form for that reason.
type ItemString struct {
	kind       Kind
	id         int64
	bonuses    string
	hasBonuses bool
	mods       string
	hasMods    bool
}

// New builds an identity. A nil bonuses or mods slice means the attribute
// is absent; a non-nil empty slice means present and empty.
func New(kind Kind, id int64, bonuses []int64, mods []Modifier) (ItemString, error) {
	if !kind.valid() {
		return ItemString{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedIdentity, byte(kind))
	}
	if id <= 0 {
		return ItemString{}, fmt.Errorf("%w: base id must be positive, got %d", ErrMalformedIdentity, id)
	}
	s := ItemString{kind: kind, id: id}
	if bonuses != nil {
		s.hasBonuses = true
		s.bonuses = joinInts(bonuses)
	}
	if mods != nil {
		s.hasMods = true
		s.mods = joinModifiers(mods)
	}
	return s, nil
}

// MustNew is New for identities known to be valid, such as test fixtures.
func MustNew(kind Kind, id int64, bonuses []int64, mods []Modifier) ItemString {
	s, err := New(kind, id, bonuses, mods)
	if err != nil {
		panic(err)
	}
	return s
}

// FromAuctionItem builds the identity of a listing's item reference.
func FromAuctionItem(kind Kind, item *model.AuctionItem) (ItemString, error) {
	if item == nil {
		return ItemString{}, fmt.Errorf("%w: missing item reference", ErrMalformedIdentity)
	}
	var mods []Modifier
	if item.Modifiers != nil {
		mods = make([]Modifier, 0, len(item.Modifiers))
		for _, m := range item.Modifiers {
			mods = append(mods, Modifier{Type: m.Type, Value: m.Value})
		}
	}
	return New(kind, item.ID, item.BonusLists, mods)
}

func (s ItemString) Kind() Kind { return s.kind }
func (s ItemString) ID() int64  { return s.id }

// IsZero reports whether s is the zero value, which is never a valid identity.
func (s ItemString) IsZero() bool { return s.id == 0 }

// Bonuses returns the bonus ids in their significant order and whether the
// attribute is present.
func (s ItemString) Bonuses() ([]int64, bool) {
	if !s.hasBonuses {
		return nil, false
	}
	ids, _ := splitInts(s.bonuses)
	if ids == nil {
		ids = []int64{}
	}
	return ids, true
}

// Modifiers returns the modifier set in canonical order and whether the
// attribute is present.
func (s ItemString) Modifiers() ([]Modifier, bool) {
	if !s.hasMods {
		return nil, false
	}
	mods, _ := splitModifiers(s.mods)
	if mods == nil {
		mods = []Modifier{}
	}
	return mods, true
}

// String returns the canonical string form.
func (s ItemString) String() string {
	var b strings.Builder
	b.WriteByte(byte(s.kind))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(s.id, 10))
	if s.hasBonuses {
		b.WriteString(":b")
		b.WriteString(s.bonuses)
	}
	if s.hasMods {
		b.WriteString(":m")
		b.WriteString(s.mods)
	}
	return b.String()
}

// Parse inverts String: Parse(x.String()) == x for every valid x. Any other
// spelling of a valid identity, such as "i:01" or unsorted modifiers, is
// rejected.
func Parse(raw string) (ItemString, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return ItemString{}, fmt.Errorf("%w: %q (expected {kind}:{id}[:b...][:m...])", ErrMalformedIdentity, raw)
	}
	if len(parts[0]) != 1 {
		return ItemString{}, fmt.Errorf("%w: %q: bad kind %q", ErrMalformedIdentity, raw, parts[0])
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ItemString{}, fmt.Errorf("%w: %q: bad base id", ErrMalformedIdentity, raw)
	}

	var bonuses []int64
	var mods []Modifier
	seenMods := false
	for _, part := range parts[2:] {
		switch {
		case strings.HasPrefix(part, "b") && bonuses == nil && !seenMods:
			ids, err := splitInts(part[1:])
			if err != nil {
				return ItemString{}, fmt.Errorf("%w: %q: bad bonus ids", ErrMalformedIdentity, raw)
			}
			bonuses = ids
			if bonuses == nil {
				bonuses = []int64{}
			}
		case strings.HasPrefix(part, "m") && !seenMods:
			ms, err := splitModifiers(part[1:])
			if err != nil {
				return ItemString{}, fmt.Errorf("%w: %q: bad modifiers", ErrMalformedIdentity, raw)
			}
			mods = ms
			if mods == nil {
				mods = []Modifier{}
			}
			seenMods = true
		default:
			return ItemString{}, fmt.Errorf("%w: %q: unexpected segment %q", ErrMalformedIdentity, raw, part)
		}
	}

	s, err := New(Kind(parts[0][0]), id, bonuses, mods)
	if err != nil {
		return ItemString{}, fmt.Errorf("%q: %w", raw, err)
	}
	// Only the canonical spelling is accepted, so distinct keys never
	// collapse into one identity.
	if s.String() != raw {
		return ItemString{}, fmt.Errorf("%w: %q is not canonical (want %q)", ErrMalformedIdentity, raw, s.String())
	}
	return s, nil
}

// MarshalText lets identities key JSON objects.
func (s ItemString) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("%w: zero identity", ErrMalformedIdentity)
	}
	return []byte(s.String()), nil
}

func (s *ItemString) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func joinInts(ids []int64) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(strs, ",")
}

func splitInts(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	fields := strings.Split(raw, ",")
	ids := make([]int64, len(fields))
	for i, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func joinModifiers(mods []Modifier) string {
	sorted := slices.Clone(mods)
	slices.SortFunc(sorted, compareModifier)
	sorted = slices.Compact(sorted)
	strs := make([]string, len(sorted))
	for i, m := range sorted {
		strs[i] = strconv.FormatInt(m.Type, 10) + "=" + strconv.FormatInt(m.Value, 10)
	}
	return strings.Join(strs, ",")
}

func splitModifiers(raw string) ([]Modifier, error) {
	if raw == "" {
		return nil, nil
	}
	fields := strings.Split(raw, ",")
	mods := make([]Modifier, len(fields))
	for i, f := range fields {
		typ, val, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("modifier %q missing '='", f)
		}
		t, err := strconv.ParseInt(typ, 10, 64)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, err
		}
		mods[i] = Modifier{Type: t, Value: v}
	}
	return mods, nil
}

func compareModifier(a, b Modifier) int {
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	if a.Value < b.Value {
		return -1
	}
	if a.Value > b.Value {
		return 1
	}
	return 0
}
