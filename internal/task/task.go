// Package task runs ingestion cycles: it fetches a snapshot per shard,
// reduces it to market values and folds them into the shard's store file.
package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/logger"
	"github.com/atmx/market-history/internal/marketvalue"
	"github.com/atmx/market-history/internal/metrics"
	"github.com/atmx/market-history/internal/model"
	"github.com/atmx/market-history/internal/snapshot"
	"github.com/atmx/market-history/internal/store"
)

// DefaultRetention is how long records are kept.
const DefaultRetention = 60 * 24 * time.Hour

var ErrInvalidShard = errors.New("task: invalid shard name")

// SnapshotSource supplies listings and realm metadata.
type SnapshotSource interface {
	ConnectedRealmIDs(ctx context.Context, region string) ([]int64, error)
	ConnectedRealm(ctx context.Context, region string, id int64) (*model.ConnectedRealm, error)
	Auctions(ctx context.Context, region string, crid int64) (*model.Snapshot, error)
	Commodities(ctx context.Context, region string) (*model.Snapshot, error)
}

// Shard identifies one store file. ConnectedRealmID 0 is the region-wide
// commodities shard.
type Shard struct {
	Region           string
	ConnectedRealmID int64
}

func (s Shard) String() string {
	if s.ConnectedRealmID == 0 {
		return s.Region + "-commodities"
	}
	return s.Region + "-" + strconv.FormatInt(s.ConnectedRealmID, 10)
}

// ParseShard inverts Shard.String.
func ParseShard(name string) (Shard, error) {
	region, rest, ok := strings.Cut(name, "-")
	if !ok || region == "" {
		return Shard{}, fmt.Errorf("%w: %q", ErrInvalidShard, name)
	}
	if rest == "commodities" {
		return Shard{Region: region}, nil
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return Shard{}, fmt.Errorf("%w: %q", ErrInvalidShard, name)
	}
	return Shard{Region: region, ConnectedRealmID: id}, nil
}

// Kind is the identity kind of the shard's items.
func (s Shard) Kind() itemstring.Kind {
	if s.ConnectedRealmID == 0 {
		return itemstring.KindCommodity
	}
	return itemstring.KindItem
}

func (s Shard) label() string {
	if s.ConnectedRealmID == 0 {
		return "commodities"
	}
	return "realm"
}

// Options configures a Manager.
type Options struct {
	DBDir string
	// Codec is used for every save; existing files in another encoding
	// are converted on their next cycle.
	Codec store.Codec
	// Retention drops records older than the cycle timestamp minus
	// Retention. Zero keeps everything.
	Retention time.Duration
	// Concurrency bounds the shards RunRegion processes at once.
	Concurrency int
	Reducer     *marketvalue.Reducer
}

// CycleResult summarizes one shard cycle.
type CycleResult struct {
	Shard      Shard         `json:"-"`
	Name       string        `json:"shard"`
	Path       string        `json:"path"`
	Timestamp  int64         `json:"timestamp"`
	Items      int           `json:"items"`
	Appended   int           `json:"appended"`
	Duplicates int           `json:"duplicates"`
	NewItems   int           `json:"new_items"`
	Pruned     int           `json:"pruned"`
	Duration   time.Duration `json:"duration_ns"`
}

// Manager owns the store files under one directory.
type Manager struct {
	opts        Options
	source      SnapshotSource
	mirror      store.Mirror
	transformer *snapshot.Transformer
	log         *logger.Entry
}

// NewManager creates a Manager. mirror may be nil.
func NewManager(opts Options, source SnapshotSource, mirror store.Mirror) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Manager{
		opts:        opts,
		source:      source,
		mirror:      mirror,
		transformer: snapshot.NewTransformer(opts.Reducer),
		log:         logger.GetLogger().WithComponent("task"),
	}
}

// ShardPath returns the store file of a shard. Distinct shards never share
// a path.
func (m *Manager) ShardPath(s Shard) string {
	return filepath.Join(m.opts.DBDir, s.String()+".db")
}

// UpdateDB folds one cycle's increments into the store at path: load,
// merge at timestamp, prune relative to timestamp, save. Nothing is
// written if any step fails.
func (m *Manager) UpdateDB(ctx context.Context, path string, increments map[itemstring.ItemString]model.Record, timestamp int64) (*store.History, error) {
	h, _, _, err := m.updateDB(ctx, path, increments, timestamp)
	return h, err
}

func (m *Manager) updateDB(ctx context.Context, path string, increments map[itemstring.ItemString]model.Record, timestamp int64) (*store.History, store.MergeStats, int, error) {
	h, _, err := store.Load(path)
	if err != nil {
		return nil, store.MergeStats{}, 0, err
	}
	stats := h.Merge(increments, timestamp)
	pruned := 0
	if m.opts.Retention > 0 {
		pruned = h.Prune(timestamp - int64(m.opts.Retention/time.Second))
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, pruned, err
	}
	if err := store.Save(h, path, m.opts.Codec); err != nil {
		return nil, stats, pruned, err
	}
	return h, stats, pruned, nil
}

// RunShard runs one cycle for a shard.
func (m *Manager) RunShard(ctx context.Context, s Shard) (res CycleResult, err error) {
	start := time.Now()
	res = CycleResult{Shard: s, Name: s.String(), Path: m.ShardPath(s)}
	log := m.log.WithFields(logger.Fields{"shard": res.Name})

	defer func() {
		res.Duration = time.Since(start)
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.CyclesTotal.WithLabelValues(s.Region, s.label(), status).Inc()
		metrics.CycleDuration.WithLabelValues(s.Region).Observe(res.Duration.Seconds())
	}()

	var snap *model.Snapshot
	if s.ConnectedRealmID == 0 {
		snap, err = m.source.Commodities(ctx, s.Region)
	} else {
		snap, err = m.source.Auctions(ctx, s.Region, s.ConnectedRealmID)
	}
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", res.Name, err)
	}

	increments, err := m.transformer.Transform(s.Kind(), snap)
	if err != nil {
		return res, fmt.Errorf("transform %s: %w", res.Name, err)
	}
	res.Timestamp = snap.Timestamp
	res.Items = len(increments)

	_, stats, pruned, err := m.updateDB(ctx, res.Path, increments, snap.Timestamp)
	if err != nil {
		return res, fmt.Errorf("update %s: %w", res.Name, err)
	}
	res.Appended, res.Duplicates, res.NewItems, res.Pruned = stats.Appended, stats.Duplicates, stats.NewItems, pruned

	if m.mirror != nil && len(increments) > 0 {
		if err := m.mirror.Append(ctx, res.Name, increments); err != nil {
			metrics.MirrorFailures.Inc()
			log.WithError(err).Warn("mirror append failed")
		}
	}

	metrics.RecordsAppended.WithLabelValues(s.Region).Add(float64(stats.Appended))
	metrics.RecordsPruned.WithLabelValues(s.Region).Add(float64(pruned))
	metrics.ItemsPerCycle.WithLabelValues(s.Region, res.Name).Set(float64(res.Items))

	logger.LogDuration(log, "cycle", time.Since(start), logger.Fields{
		"snapshot_ts": res.Timestamp,
		"items":       res.Items,
		"appended":    res.Appended,
		"duplicates":  res.Duplicates,
		"pruned":      res.Pruned,
	})
	return res, nil
}

// Shards lists the shards of a region: commodities first, then every
// connected realm in index order.
func (m *Manager) Shards(ctx context.Context, region string) ([]Shard, error) {
	ids, err := m.source.ConnectedRealmIDs(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("list connected realms of %s: %w", region, err)
	}
	shards := make([]Shard, 0, len(ids)+1)
	shards = append(shards, Shard{Region: region})
	for _, id := range ids {
		shards = append(shards, Shard{Region: region, ConnectedRealmID: id})
	}
	return shards, nil
}

// RunRegion runs one cycle for every shard of a region. Shards are
// independent files and run concurrently; the first failure cancels the
// remaining ones. Results are in Shards order.
func (m *Manager) RunRegion(ctx context.Context, region string) ([]CycleResult, error) {
	shards, err := m.Shards(ctx, region)
	if err != nil {
		return nil, err
	}

	results := make([]CycleResult, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, s := range shards {
		g.Go(func() error {
			res, err := m.RunShard(gctx, s)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	m.log.WithFields(logger.Fields{"region": region, "shards": len(shards)}).Info("region cycle complete")
	return results, nil
}
