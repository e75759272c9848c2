package workspace

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/layneker8/soft-turnos/internal/models"
)

type CubicleLoader func(ctx context.Context, siteID string) ([]models.Cubicle, error)

// SiteCache keeps the cubicle list per site until it is invalidated.
// Concurrent misses for the same site share one load.
type SiteCache struct {
	load  CubicleLoader
	group singleflight.Group

	mu      sync.Mutex
	entries map[string][]models.Cubicle
}

func NewSiteCache(load CubicleLoader) *SiteCache {
	return &SiteCache{load: load, entries: make(map[string][]models.Cubicle)}
}

func (c *SiteCache) Cubicles(ctx context.Context, siteID string) ([]models.Cubicle, error) {
	c.mu.Lock()
	cached, ok := c.entries[siteID]
	c.mu.Unlock()
	if ok {
		return cloneCubicles(cached), nil
	}

	v, err, _ := c.group.Do(siteID, func() (interface{}, error) {
		cubicles, err := c.load(ctx, siteID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[siteID] = cubicles
		c.mu.Unlock()
		return cubicles, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneCubicles(v.([]models.Cubicle)), nil
}

func (c *SiteCache) Invalidate(siteID string) {
	c.mu.Lock()
	delete(c.entries, siteID)
	c.mu.Unlock()
	c.group.Forget(siteID)
}

func (c *SiteCache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string][]models.Cubicle)
	c.mu.Unlock()
}

func cloneCubicles(in []models.Cubicle) []models.Cubicle {
	out := make([]models.Cubicle, len(in))
	copy(out, in)
	return out
}
