package export

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/atmx/market-history/internal/model"
)

// WriteLua encodes r as a Lua chunk that fills ns.data[<region>] of the
// add-on namespace. The output depends only on the content of r: shards,
// realms and items are emitted in a fixed order.
func WriteLua(w io.Writer, r *Region, mode Mode) error {
	if mode != ModeFull && mode != ModeLatest {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "-- ahdb export %s (%s)\n", r.Name, mode)
	bw.WriteString("local _, ns = ...\n")
	bw.WriteString("ns.data = ns.data or {}\n")
	fmt.Fprintf(bw, "ns.data[%s] = {\n", luaQuote(r.Name))

	bw.WriteString("  [\"realms\"] = {\n")
	for _, cr := range r.sortedRealms() {
		fmt.Fprintf(bw, "    [%d] = {", cr.ID)
		realms := slices.Clone(cr.Realms)
		slices.SortFunc(realms, func(a, b model.Realm) int {
			switch {
			case a.ID < b.ID:
				return -1
			case a.ID > b.ID:
				return 1
			}
			return 0
		})
		for i, realm := range realms {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteString(luaQuote(realm.Slug))
		}
		bw.WriteString("},\n")
	}
	bw.WriteString("  },\n")

	for _, shard := range r.sortedShards() {
		fmt.Fprintf(bw, "  [%s] = {\n", luaQuote(shard.Name))
		h := shard.History
		for _, item := range h.Items() {
			fmt.Fprintf(bw, "    [%s] = ", luaQuote(item.String()))
			if mode == ModeLatest {
				rec, _ := h.Latest(item)
				writeRecord(bw, rec)
			} else {
				bw.WriteByte('{')
				for i, rec := range h.Records(item) {
					if i > 0 {
						bw.WriteByte(',')
					}
					writeRecord(bw, rec)
				}
				bw.WriteByte('}')
			}
			bw.WriteString(",\n")
		}
		bw.WriteString("  },\n")
	}
	bw.WriteString("}\n")
	return bw.Flush()
}

func writeRecord(bw *bufio.Writer, rec model.Record) {
	bw.WriteByte('{')
	bw.WriteString(strconv.FormatInt(rec.Timestamp, 10))
	bw.WriteByte(',')
	bw.WriteString(strconv.FormatInt(rec.MarketValue, 10))
	bw.WriteByte('}')
}

// luaQuote returns s as a double-quoted Lua 5.1 string literal. Control
// bytes use decimal escapes; UTF-8 passes through unchanged.
func luaQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			out = append(out, '\\', c)
		case c == '\n':
			out = append(out, '\\', 'n')
		case c < 0x20 || c == 0x7f:
			// Always three digits so a following digit cannot extend it.
			out = append(out, fmt.Sprintf("\\%03d", c)...)
		default:
			out = append(out, c)
		}
	}
	return string(append(out, '"'))
}
