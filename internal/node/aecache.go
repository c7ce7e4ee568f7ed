package node

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/sectionmesh/sectiond/common/constants"
	"github.com/sectionmesh/sectiond/common/xor"
)

// aeCache throttles anti-entropy bounces per destination: once this node has
// sent a Retry/Redirect to a peer it keeps quiet about the same staleness
// for DefaultAERetryPeriod, rather than answering every subsequent message
// from that peer with another bounce (§4.6, Open Question a).
type aeCache struct {
	cache *lru.Cache
}

func newAECache() *aeCache {
	c, err := lru.New(constants.ConnectionsCacheSize)
	if err != nil {
		panic(fmt.Sprintf("node: build AE cache: %v", err))
	}
	return &aeCache{cache: c}
}

// allow reports whether a bounce to name may be sent right now, and if so
// records this moment as the latest one.
func (c *aeCache) allow(name xor.Name) bool {
	now := time.Now()
	if v, ok := c.cache.Get(name); ok {
		if now.Sub(v.(time.Time)) < constants.DefaultAERetryPeriod {
			return false
		}
	}
	c.cache.Add(name, now)
	return true
}
