package cache

import (
	"context"
	"fmt"

	"tw_autotrade/services/frame"
	"tw_autotrade/services/provider"
)

// DatasetFetcher is the part of the provider client the dataset cache needs.
type DatasetFetcher interface {
	Dataset(ctx context.Context, name, universe string) (*frame.Float, error)
}

// Datasets serves provider datasets from the snapshot cache, fetching and
// storing them on a miss. Cache failures fall through to the provider.
type Datasets struct {
	snapshots *Snapshots
	upstream  DatasetFetcher
}

func NewDatasets(snapshots *Snapshots, upstream DatasetFetcher) *Datasets {
	return &Datasets{snapshots: snapshots, upstream: upstream}
}

func (d *Datasets) Dataset(ctx context.Context, name, universe string) (*frame.Float, error) {
	key := DatasetKey(name, universe)
	var cached frame.Float
	ok, err := d.snapshots.Get(ctx, key, &cached)
	if err != nil {
		d.snapshots.logger.Warn().Err(err).Str("key", key).Msg("Dataset cache read failed")
	}
	if ok {
		return &cached, nil
	}
	return d.Refresh(ctx, name, universe)
}

// Refresh fetches name from the provider and replaces the cached copy.
func (d *Datasets) Refresh(ctx context.Context, name, universe string) (*frame.Float, error) {
	f, err := d.upstream.Dataset(ctx, name, universe)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset %s: %w", name, err)
	}
	if err := d.snapshots.Put(ctx, DatasetKey(name, universe), f, DatasetTTL); err != nil {
		d.snapshots.logger.Warn().Err(err).Str("dataset", name).Msg("Dataset cache write failed")
	}
	return f, nil
}

// Client is a provider client whose datasets are read through the cache.
type Client struct {
	provider.Client
	datasets *Datasets
}

// NewClient wraps upstream. snapshots may be nil, which disables caching.
func NewClient(upstream provider.Client, snapshots *Snapshots) *Client {
	return &Client{Client: upstream, datasets: NewDatasets(snapshots, upstream)}
}

func (c *Client) Dataset(ctx context.Context, name, universe string) (*frame.Float, error) {
	return c.datasets.Dataset(ctx, name, universe)
}

// Refresh bypasses the cache and stores the fresh dataset.
func (c *Client) Refresh(ctx context.Context, name, universe string) (*frame.Float, error) {
	return c.datasets.Refresh(ctx, name, universe)
}
