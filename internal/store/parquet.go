package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/model"
)

type parquetRecord struct {
	Item        string `parquet:"name=item, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp   int64  `parquet:"name=timestamp, type=INT64"`
	MarketValue int64  `parquet:"name=market_value, type=INT64"`
}

// memFile is an in-memory source.ParquetFile. Written files accumulate in
// buf; files opened for reading share the immutable data slice and keep
// their own read position.
type memFile struct {
	buf  *bytes.Buffer
	data []byte
	r    *bytes.Reader
}

func newMemWriteFile() *memFile {
	return &memFile{buf: &bytes.Buffer{}}
}

func newMemReadFile(data []byte) *memFile {
	return &memFile{data: data, r: bytes.NewReader(data)}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }

func (m *memFile) Open(string) (source.ParquetFile, error) {
	if m.r == nil {
		return nil, errors.New("memfile: open on write-only file")
	}
	return newMemReadFile(m.data), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	if m.r == nil {
		return int64(m.buf.Len()), nil
	}
	return m.r.Seek(offset, whence)
}

func (m *memFile) Read(p []byte) (int, error) {
	if m.r == nil {
		return 0, errors.New("memfile: read on write-only file")
	}
	return m.r.Read(p)
}

func (m *memFile) Write(p []byte) (int, error) {
	if m.buf == nil {
		return 0, errors.New("memfile: write on read-only file")
	}
	return m.buf.Write(p)
}

func (m *memFile) Close() error { return nil }

var _ source.ParquetFile = (*memFile)(nil)

// encodeParquet writes one row per record, items in canonical order and
// records oldest first.
func encodeParquet(h *History) ([]byte, error) {
	mem := newMemWriteFile()
	pw, err := writer.NewParquetWriter(mem, new(parquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, item := range h.Items() {
		key := item.String()
		for _, r := range h.series[item] {
			row := parquetRecord{Item: key, Timestamp: r.Timestamp, MarketValue: r.MarketValue}
			if err := pw.Write(row); err != nil {
				pw.WriteStop()
				return nil, fmt.Errorf("write parquet record: %w", err)
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.buf.Bytes(), nil
}

// decodeParquet turns panics from the parquet reader on malformed input
// into errors.
func decodeParquet(data []byte) (h *History, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("parquet reader: %v", r)
		}
	}()

	if len(data) < 12 || !bytes.HasSuffix(data, parquetMagic) {
		return nil, errors.New("parquet: missing footer")
	}
	pr, err := reader.NewParquetReader(newMemReadFile(data), new(parquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	rows := make([]parquetRecord, n)
	if n > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
	}

	grouped := make(map[itemstring.ItemString][]model.Record)
	for _, row := range rows {
		item, err := itemstring.Parse(row.Item)
		if err != nil {
			return nil, err
		}
		grouped[item] = append(grouped[item], model.Record{Timestamp: row.Timestamp, MarketValue: row.MarketValue})
	}
	h = NewHistory()
	for item, recs := range grouped {
		if !h.set(item, recs) {
			return nil, fmt.Errorf("item %s: duplicate timestamp", item)
		}
	}
	return h, nil
}
