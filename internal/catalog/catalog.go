// Package catalog keeps an in-memory index of the backups stored under
// the agent's prefix. The object store stays the sole source of truth:
// the index is reconciled from live listings, held no longer than a
// freshness window, and rebuilt from scratch after a restart.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/backup"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/keys"
	"github.com/GreedyKomodoDragon/s3-backup-agent/internal/objectstore"
)

// Entry pairs a backup record with the object facts behind it.
type Entry struct {
	Record       backup.Record
	Key          string
	ETag         string
	LastModified time.Time
}

type cachedMeta struct {
	etag     string
	metadata map[string]string
}

// Catalog answers list and lookup queries from a TTL-bounded cache of
// the bucket contents. All methods are safe for concurrent use;
// reconciliation runs under the catalog lock so concurrent readers see
// either the old or the new index, never a partial one.
type Catalog struct {
	store  objectstore.Client
	mapper *keys.Mapper
	clk    clock.Clock
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]Entry
	metaCache map[string]cachedMeta
	fetchedAt time.Time
}

// New creates a catalog over the given store and key mapper. The clock
// is injectable so freshness behaviour can be tested without sleeping;
// production callers pass clock.WallClock.
func New(store objectstore.Client, mapper *keys.Mapper, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:     store,
		mapper:    mapper,
		clk:       clk,
		ttl:       ttl,
		logger:    logger,
		entries:   make(map[string]Entry),
		metaCache: make(map[string]cachedMeta),
	}
}

// List returns every known backup, newest first. Within the freshness
// window the answer comes straight from cache.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFreshLocked(ctx); err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Record.CreatedAt.Equal(out[j].Record.CreatedAt) {
			return out[i].Record.CreatedAt.After(out[j].Record.CreatedAt)
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out, nil
}

// Get returns the entry for one backup id. An unknown id triggers at
// most one reconciliation per freshness window before reporting
// ErrNotFound, so repeated lookups of a missing id cannot hammer the
// store.
func (c *Catalog) Get(ctx context.Context, id string) (Entry, error) {
	if id == "" {
		return Entry{}, fmt.Errorf("%w: empty backup id", backup.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureFreshLocked(ctx); err != nil {
		return Entry{}, err
	}

	entry, ok := c.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: id %q", backup.ErrNotFound, id)
	}
	return entry, nil
}

// NoteUploadComplete records a just-committed upload so readers see it
// immediately instead of waiting out the freshness window.
func (c *Catalog) NoteUploadComplete(record backup.Record, etag string) {
	key := c.mapper.ToKey(record.ID, record.CreatedAt)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[record.ID] = Entry{
		Record:       record,
		Key:          key,
		ETag:         etag,
		LastModified: c.clk.Now(),
	}
	c.metaCache[key] = cachedMeta{etag: etag, metadata: backup.ObjectMetadata(record, "")}
}

// Invalidate drops the cached entry for id, typically right after its
// object was deleted.
func (c *Catalog) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[id]; ok {
		delete(c.metaCache, entry.Key)
		delete(c.entries, id)
	}
}

// InvalidateAll forces the next query to reconcile against the store.
func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *Catalog) ensureFreshLocked(ctx context.Context) error {
	if !c.fetchedAt.IsZero() && c.clk.Now().Sub(c.fetchedAt) < c.ttl {
		return nil
	}
	return c.refreshLocked(ctx)
}

// refreshLocked rebuilds the index from a full listing. On failure the
// previous index stays in place so a flaky store cannot wipe the cache.
func (c *Catalog) refreshLocked(ctx context.Context) error {
	entries := make(map[string]Entry)
	meta := make(map[string]cachedMeta)

	err := c.store.List(ctx, c.mapper.Prefix(), func(info objectstore.ObjectInfo) error {
		id, createdAt, ok := c.mapper.FromKey(info.Key)
		if !ok {
			c.logger.Debug("Ignoring object outside the key scheme", "key", info.Key)
			return nil
		}

		md, found, err := c.objectMetadata(ctx, info)
		if err != nil {
			return err
		}
		if !found {
			// Deleted between list and head; skip it on this pass.
			return nil
		}
		meta[info.Key] = cachedMeta{etag: info.ETag, metadata: md}

		record := backup.ApplyObjectMetadata(backup.Record{
			ID:        id,
			CreatedAt: createdAt,
			SizeBytes: info.Size,
		}, md)
		entry := Entry{Record: record, Key: info.Key, ETag: info.ETag, LastModified: info.LastModified}

		if prev, dup := entries[id]; dup {
			kept, ignored := entry, prev
			if prev.LastModified.After(entry.LastModified) {
				kept, ignored = prev, entry
			}
			c.logger.Warn("Two objects resolve to the same backup id",
				"id", id,
				"kept", kept.Key,
				"ignored", ignored.Key)
			entries[id] = kept
			return nil
		}
		entries[id] = entry
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile catalog: %w", err)
	}

	c.entries = entries
	c.metaCache = meta
	c.fetchedAt = c.clk.Now()
	c.logger.Debug("Catalog reconciled", "backups", len(entries))
	return nil
}

// objectMetadata fetches the user metadata for a listed object, reusing
// the cached copy when the object's ETag is unchanged so steady-state
// reconciliation costs one LIST and zero HEADs.
func (c *Catalog) objectMetadata(ctx context.Context, info objectstore.ObjectInfo) (map[string]string, bool, error) {
	if cached, ok := c.metaCache[info.Key]; ok && cached.etag == info.ETag {
		return cached.metadata, true, nil
	}

	obj, err := c.store.Head(ctx, info.Key)
	if err != nil {
		if errors.Is(err, backup.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return obj.Metadata, true, nil
}
