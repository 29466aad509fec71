package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/propledger/reconciler/internal/domain"
)

// HealthCache keeps the current health score per (property, period, persona)
// in memory so reads do not hit the database.
type HealthCache struct {
	cache *gocache.Cache
}

// NewHealthCache creates a cache whose entries expire after ttl.
func NewHealthCache(ttl, cleanupInterval time.Duration) *HealthCache {
	return &HealthCache{
		cache: gocache.New(ttl, cleanupInterval),
	}
}

// Key builds the cache key for one score series.
func Key(propertyID, periodID string, p domain.Persona) string {
	return "health:v1:" + propertyID + "|" + periodID + "|" + string(p)
}

// Get returns a copy of the cached score.
func (c *HealthCache) Get(propertyID, periodID string, p domain.Persona) (domain.HealthScore, bool) {
	if val, found := c.cache.Get(Key(propertyID, periodID, p)); found {
		return val.(domain.HealthScore), true
	}
	return domain.HealthScore{}, false
}

// Put stores s unless a newer score for the same key is already cached.
func (c *HealthCache) Put(s domain.HealthScore) {
	key := Key(s.PropertyID, s.PeriodID, s.Persona)
	if val, found := c.cache.Get(key); found && val.(domain.HealthScore).ComputedAt.After(s.ComputedAt) {
		return
	}
	c.cache.SetDefault(key, s)
}

// InvalidatePeriod drops every persona's score for a property/period.
func (c *HealthCache) InvalidatePeriod(propertyID, periodID string) {
	prefix := "health:v1:" + propertyID + "|" + periodID + "|"
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
}

func (c *HealthCache) Clear() {
	c.cache.Flush()
}
