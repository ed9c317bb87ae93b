package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

func item(id int64) itemstring.ItemString {
	return itemstring.MustNew(itemstring.KindItem, id, nil, nil)
}

func inc(mv int64) model.Record {
	return model.Record{MarketValue: mv}
}

// sampleHistory builds a series with bonus/modifier variants and several
// cycles.
func sampleHistory(t *testing.T) *History {
	t.Helper()
	h := NewHistory()
	variants := []itemstring.ItemString{
		item(19019),
		itemstring.MustNew(itemstring.KindItem, 19019, []int64{6652, 1699}, nil),
		itemstring.MustNew(itemstring.KindItem, 19019, []int64{1699, 6652}, nil),
		itemstring.MustNew(itemstring.KindItem, 158075, []int64{}, []itemstring.Modifier{{Type: 9, Value: 60}}),
		itemstring.MustNew(itemstring.KindCommodity, 2589, nil, []itemstring.Modifier{}),
	}
	for cycle := int64(1); cycle <= 3; cycle++ {
		increments := make(map[itemstring.ItemString]model.Record)
		for i, v := range variants {
			increments[v] = inc(cycle*100 + int64(i))
		}
		h.Merge(increments, 1_700_000_000+cycle*3600)
	}
	return h
}

// --- Merge ---

func TestMerge_Idempotent(t *testing.T) {
	h := NewHistory()
	increments := map[itemstring.ItemString]model.Record{item(1): inc(500)}
	for i := 0; i < 5; i++ {
		h.Merge(increments, 1000)
	}
	if got := h.Counts()[item(1)]; got != 1 {
		t.Fatalf("expected 1 record after repeated merges, got %d", got)
	}

	stats := h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(999)}, 1000)
	if stats.Duplicates != 1 || stats.Appended != 0 {
		t.Errorf("expected a duplicate, got %+v", stats)
	}
	if r, _ := h.Latest(item(1)); r.MarketValue != 500 {
		t.Errorf("existing value must not change, got %d", r.MarketValue)
	}
}

func TestMerge_Monotonic(t *testing.T) {
	h := NewHistory()
	const n = 9
	for i := int64(1); i <= n; i++ {
		stats := h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(i * 10)}, i*60)
		if stats.Appended != 1 {
			t.Fatalf("cycle %d: expected 1 appended, got %+v", i, stats)
		}
	}
	recs := h.Records(item(1))
	if len(recs) != n {
		t.Fatalf("expected %d records, got %d", n, len(recs))
	}
	for i, r := range recs {
		want := model.Record{Timestamp: int64(i+1) * 60, MarketValue: int64(i+1) * 10}
		if r != want {
			t.Errorf("record %d: expected %+v, got %+v", i, want, r)
		}
	}
}

func TestMerge_BackfillKeepsOrder(t *testing.T) {
	h := NewHistory()
	for _, ts := range []int64{300, 100, 200, 100} {
		h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(ts)}, ts)
	}
	recs := h.Records(item(1))
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %v", recs)
	}
	for i, want := range []int64{100, 200, 300} {
		if recs[i].Timestamp != want {
			t.Errorf("record %d: expected ts %d, got %d", i, want, recs[i].Timestamp)
		}
	}
}

func TestMerge_Stats(t *testing.T) {
	h := NewHistory()
	stats := h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(1), item(2): inc(2)}, 10)
	if stats != (MergeStats{Appended: 2, NewItems: 2}) {
		t.Errorf("unexpected stats %+v", stats)
	}
	stats = h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(1), item(3): inc(3)}, 20)
	if stats != (MergeStats{Appended: 2, NewItems: 1}) {
		t.Errorf("unexpected stats %+v", stats)
	}
	if h.Len() != 3 || h.RecordCount() != 4 {
		t.Errorf("expected 3 items / 4 records, got %d / %d", h.Len(), h.RecordCount())
	}
}

func TestRecords_ReturnsCopy(t *testing.T) {
	h := NewHistory()
	h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(5)}, 10)
	recs := h.Records(item(1))
	recs[0].MarketValue = 99
	if r, _ := h.Latest(item(1)); r.MarketValue != 5 {
		t.Error("Records must not expose internal storage")
	}
}

// --- Prune ---

func TestPrune(t *testing.T) {
	h := NewHistory()
	for _, ts := range []int64{100, 200, 300} {
		h.Merge(map[itemstring.ItemString]model.Record{item(1): inc(ts)}, ts)
	}
	h.Merge(map[itemstring.ItemString]model.Record{item(2): inc(1)}, 150)

	removed := h.Prune(200)
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	recs := h.Records(item(1))
	if len(recs) != 2 || recs[0].Timestamp != 200 {
		t.Errorf("expected records from ts 200 on, got %v", recs)
	}
	if _, ok := h.Counts()[item(2)]; ok {
		t.Error("item with no remaining records must be dropped")
	}
	if h.Len() != 1 {
		t.Errorf("expected 1 item, got %d", h.Len())
	}
}

func TestPrune_NothingOld(t *testing.T) {
	h := sampleHistory(t)
	before := h.RecordCount()
	if removed := h.Prune(0); removed != 0 {
		t.Errorf("expected nothing removed, got %d", removed)
	}
	if h.RecordCount() != before {
		t.Error("record count changed")
	}
}

// --- Items ---

func TestItems_Sorted(t *testing.T) {
	h := sampleHistory(t)
	items := h.Items()
	for i := 1; i < len(items); i++ {
		if items[i-1].String() >= items[i].String() {
			t.Errorf("items not sorted: %s before %s", items[i-1], items[i])
		}
	}
}

func TestItems_LexicalOrder(t *testing.T) {
	h := NewHistory()
	incs := map[itemstring.ItemString]model.Record{}
	incs[item(9)] = inc(1)
	incs[item(10)] = inc(2)
	incs[itemstring.MustNew(itemstring.KindItem, 10, []int64{1}, nil)] = inc(3)
	incs[itemstring.MustNew(itemstring.KindCommodity, 100, nil, nil)] = inc(4)
	h.Merge(incs, 1000)

	var got []string
	for _, it := range h.Items() {
		got = append(got, it.String())
	}
	want := "c:100 i:10 i:10:b1 i:9"
	if strings.Join(got, " ") != want {
		t.Errorf("expected %s, got %v", want, got)
	}
}

// --- Codecs and files ---

func TestRoundTrip_AllCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecJSON, CodecGzip, CodecParquet} {
		t.Run(codec.String(), func(t *testing.T) {
			h := sampleHistory(t)
			path := filepath.Join(t.TempDir(), "us-1.db")
			if err := Save(h, path, codec); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, detected, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if detected != codec {
				t.Errorf("expected codec %s, detected %s", codec, detected)
			}
			if !loaded.Equal(h) {
				t.Errorf("round trip changed the series")
			}
		})
	}
}

func TestRoundTrip_EmptyHistory(t *testing.T) {
	for _, codec := range []Codec{CodecJSON, CodecGzip} {
		path := filepath.Join(t.TempDir(), "empty.db")
		if err := Save(NewHistory(), path, codec); err != nil {
			t.Fatalf("%s save: %v", codec, err)
		}
		loaded, _, err := Load(path)
		if err != nil {
			t.Fatalf("%s load: %v", codec, err)
		}
		if loaded.Len() != 0 {
			t.Errorf("%s: expected empty series, got %d items", codec, loaded.Len())
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	for _, codec := range []Codec{CodecJSON, CodecGzip} {
		var a, b bytes.Buffer
		if err := codec.Encode(&a, sampleHistory(t)); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := codec.Encode(&b, sampleHistory(t)); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Errorf("%s encoding is not deterministic", codec)
		}
	}
}

func TestJSONLayout(t *testing.T) {
	h := NewHistory()
	h.Merge(map[itemstring.ItemString]model.Record{item(123): inc(14)}, 1000)
	var buf bytes.Buffer
	if err := CodecJSON.Encode(&buf, h); err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"version":1,"items":{"i:123":[[1000,14]]}}` + "\n"
	if buf.String() != want {
		t.Errorf("expected %s, got %s", want, buf.String())
	}
}

func TestLoad_Missing(t *testing.T) {
	h, _, err := Load(filepath.Join(t.TempDir(), "absent.db"))
	if err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
	if h.Len() != 0 {
		t.Errorf("expected empty series, got %d items", h.Len())
	}
}

func TestLoad_Corrupt(t *testing.T) {
	var gz bytes.Buffer
	if err := CodecGzip.Encode(&gz, sampleHistory(t)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var pq bytes.Buffer
	if err := CodecParquet.Encode(&pq, sampleHistory(t)); err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := map[string][]byte{
		"empty":             {},
		"garbage":           []byte("not a store"),
		"truncated json":    []byte(`{"version":1,"items":{"i:1":[[1,`),
		"bad identity":      []byte(`{"version":1,"items":{"zz":[[1,2]]}}`),
		"wrong version":     []byte(`{"version":7,"items":{}}`),
		"duplicate ts":      []byte(`{"version":1,"items":{"i:1":[[1,2],[1,3]]}}`),
		"short record":      []byte(`{"version":1,"items":{"i:1":[[100,5],[200]]}}`),
		"long record":       []byte(`{"version":1,"items":{"i:1":[[100,5,999]]}}`),
		"non-canonical key": []byte(`{"version":1,"items":{"i:1":[[100,5]],"i:+1":[[200,6]]}}`),
		"null record":       []byte(`{"version":1,"items":{"i:1":[null]}}`),
		"truncated gzip":    gz.Bytes()[:gz.Len()/2],
		"truncated parquet": pq.Bytes()[:pq.Len()/2],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.db")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatal(err)
			}
			_, _, err := Load(path)
			if !errors.Is(err, ErrCorruptStore) {
				t.Errorf("expected ErrCorruptStore, got %v", err)
			}
		})
	}
}

func TestLoad_UnsortedRecordsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsorted.db")
	if err := os.WriteFile(path, []byte(`{"version":1,"items":{"i:1":[[30,3],[10,1],[20,2]]}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	h, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	recs := h.Records(item(1))
	if len(recs) != 3 || recs[0].Timestamp != 10 || recs[2].Timestamp != 30 {
		t.Errorf("expected ascending records, got %v", recs)
	}
}

func TestSave_NoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "us-commodities.db")
	for _, codec := range []Codec{CodecJSON, CodecGzip, CodecJSON} {
		if err := Save(sampleHistory(t), path, codec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "us-commodities.db" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only the store file, got %v", names)
	}
}

func TestSave_FailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "us-1.db")
	h := sampleHistory(t)
	if err := Save(h, path, CodecJSON); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := Save(h, path, Codec(42)); err == nil {
		t.Fatal("expected error for unknown codec")
	}
	loaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Equal(h) {
		t.Error("failed save must leave the previous file intact")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no temp files after failed save, got %d entries", len(entries))
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db", "eu-5.db")
	if err := Save(sampleHistory(t), path, CodecGzip); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file at %s: %v", path, err)
	}
}

func TestParseCodec(t *testing.T) {
	tests := map[string]Codec{"": CodecJSON, "JSON": CodecJSON, "gzip": CodecGzip, "gz": CodecGzip, "parquet": CodecParquet}
	for name, want := range tests {
		got, err := ParseCodec(name)
		if err != nil || got != want {
			t.Errorf("ParseCodec(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseCodec("bz2"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

// --- Mirror ---

func TestMemoryMirror_Idempotent(t *testing.T) {
	m := NewMemoryMirror()
	ctx := context.Background()
	records := map[itemstring.ItemString]model.Record{item(1): {Timestamp: 10, MarketValue: 5}}
	for i := 0; i < 3; i++ {
		if err := m.Append(ctx, "us-1", records); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	series, err := m.Series(ctx, "us-1", item(1))
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(series) != 1 || series[0].MarketValue != 5 {
		t.Errorf("expected one mirrored record, got %v", series)
	}
	if other, _ := m.Series(ctx, "us-2", item(1)); len(other) != 0 {
		t.Errorf("shards must be independent, got %v", other)
	}
}
