package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

// Codec is an on-disk encoding of a History. Every codec decodes to the
// identical series; Load picks the codec from the file's leading bytes.
type Codec int

const (
	// CodecJSON is plain JSON, directly parseable by other tools.
	CodecJSON Codec = iota
	// CodecGzip is the JSON document gzip-compressed.
	CodecGzip
	// CodecParquet is a columnar file with one row per record.
	CodecParquet
)

// fileVersion is bumped when the JSON layout changes.
const fileVersion = 1

var (
	gzipMagic    = []byte{0x1f, 0x8b}
	parquetMagic = []byte("PAR1")
)

func (c Codec) String() string {
	switch c {
	case CodecJSON:
		return "json"
	case CodecGzip:
		return "gzip"
	case CodecParquet:
		return "parquet"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// ParseCodec maps a configuration name to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecJSON, nil
	case "gzip", "gz":
		return CodecGzip, nil
	case "parquet":
		return CodecParquet, nil
	default:
		return 0, fmt.Errorf("store: unknown codec %q", name)
	}
}

// DetectCodec guesses the codec of an encoded series from its magic bytes.
func DetectCodec(data []byte) Codec {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		return CodecGzip
	case bytes.HasPrefix(data, parquetMagic):
		return CodecParquet
	default:
		return CodecJSON
	}
}

// jsonFile is the JSON layout:
//
//	{"version":1,"items":{"i:123":[[ts,mv],...]}}
type jsonFile struct {
	Version int                  `json:"version"`
	Items   map[string][][]int64 `json:"items"`
}

// Encode writes h to w. Output is deterministic for a given series.
func (c Codec) Encode(w io.Writer, h *History) error {
	switch c {
	case CodecJSON:
		return encodeJSON(w, h)
	case CodecGzip:
		zw := gzip.NewWriter(w)
		if err := encodeJSON(zw, h); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	case CodecParquet:
		data, err := encodeParquet(h)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("store: unknown codec %d", int(c))
	}
}

// Decode parses data with the detected codec. Any failure is
// ErrCorruptStore.
func Decode(data []byte) (*History, Codec, error) {
	codec := DetectCodec(data)
	var (
		h   *History
		err error
	)
	switch codec {
	case CodecGzip:
		h, err = decodeGzip(data)
	case CodecParquet:
		h, err = decodeParquet(data)
	default:
		h, err = decodeJSON(data)
	}
	if err != nil {
		return nil, codec, fmt.Errorf("%w: %s: %v", ErrCorruptStore, codec, err)
	}
	return h, codec, nil
}

func encodeJSON(w io.Writer, h *History) error {
	f := jsonFile{Version: fileVersion, Items: make(map[string][][]int64, h.Len())}
	for item, recs := range h.series {
		pairs := make([][]int64, len(recs))
		for i, r := range recs {
			pairs[i] = []int64{r.Timestamp, r.MarketValue}
		}
		f.Items[item.String()] = pairs
	}
	// json sorts map keys, which keeps the output stable.
	return json.NewEncoder(w).Encode(f)
}

func decodeJSON(data []byte) (*History, error) {
	var f jsonFile
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after document")
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported version %d", f.Version)
	}
	h := NewHistory()
	for key, pairs := range f.Items {
		item, err := itemstring.Parse(key)
		if err != nil {
			return nil, err
		}
		if _, dup := h.series[item]; dup {
			return nil, fmt.Errorf("item %s: listed twice", item)
		}
		recs := make([]model.Record, len(pairs))
		for i, p := range pairs {
			if len(p) != 2 {
				return nil, fmt.Errorf("item %s: record %d has %d fields, want 2", item, i, len(p))
			}
			recs[i] = model.Record{Timestamp: p[0], MarketValue: p[1]}
		}
		if !h.set(item, recs) {
			return nil, fmt.Errorf("item %s: duplicate timestamp", item)
		}
	}
	return h, nil
}

func decodeGzip(data []byte) (*History, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}
