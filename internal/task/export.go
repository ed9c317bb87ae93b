package task

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/atmx/market-history/internal/export"
	"github.com/atmx/market-history/internal/logger"
	"github.com/atmx/market-history/internal/metrics"
	"github.com/atmx/market-history/internal/model"
	"github.com/atmx/market-history/internal/store"
)

// LoadRegion loads the full store of every shard of a region together
// with its realm metadata. Shards without a file yet are empty.
func (m *Manager) LoadRegion(ctx context.Context, region string) (*export.Region, error) {
	shards, err := m.Shards(ctx, region)
	if err != nil {
		return nil, err
	}
	r := &export.Region{Name: region}
	for _, s := range shards {
		if s.ConnectedRealmID != 0 {
			cr, err := m.source.ConnectedRealm(ctx, region, s.ConnectedRealmID)
			if err != nil {
				return nil, fmt.Errorf("connected realm %d: %w", s.ConnectedRealmID, err)
			}
			r.Realms = append(r.Realms, *cr)
		}
		h, _, err := store.Load(m.ShardPath(s))
		if err != nil {
			return nil, err
		}
		r.Shards = append(r.Shards, export.Shard{
			Name:             s.String(),
			ConnectedRealmID: s.ConnectedRealmID,
			History:          h,
		})
	}
	return r, nil
}

// Export writes the region's history to path, atomically. A .xlsx path
// gets a spreadsheet summary; anything else gets the Lua data file in the
// given mode. It returns the number of bytes written.
func (m *Manager) Export(ctx context.Context, region, path string, mode export.Mode) (int64, error) {
	r, err := m.LoadRegion(ctx, region)
	if err != nil {
		return 0, err
	}

	var n int64
	err = store.WriteAtomic(path, func(w io.Writer) error {
		cw := &countingWriter{w: w}
		defer func() { n = cw.n }()
		if strings.EqualFold(filepath.Ext(path), ".xlsx") {
			return export.WriteWorkbook(cw, r)
		}
		return export.WriteLua(cw, r, mode)
	})
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", region, err)
	}

	metrics.ExportBytes.WithLabelValues(region, string(mode)).Set(float64(n))
	m.log.WithFields(logger.Fields{
		"region": region,
		"path":   path,
		"mode":   mode,
		"bytes":  n,
		"items":  countItems(r),
	}).Info("export written")
	return n, nil
}

func countItems(r *export.Region) int {
	n := 0
	for _, s := range r.Shards {
		n += s.History.Len()
	}
	return n
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ConnectedRealms returns realm metadata for every connected realm of a
// region.
func (m *Manager) ConnectedRealms(ctx context.Context, region string) ([]model.ConnectedRealm, error) {
	ids, err := m.source.ConnectedRealmIDs(ctx, region)
	if err != nil {
		return nil, err
	}
	out := make([]model.ConnectedRealm, 0, len(ids))
	for _, id := range ids {
		cr, err := m.source.ConnectedRealm(ctx, region, id)
		if err != nil {
			return nil, fmt.Errorf("connected realm %d: %w", id, err)
		}
		out = append(out, *cr)
	}
	return out, nil
}
