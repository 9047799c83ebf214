package requestpool

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// poolsFile is the on-disk format of the pools config:
//
//	{
//	  "default_pool": "default-pool",
//	  "pools": {
//	    "default-pool": {"max_requests": 20, "max_queued": 50, ...}
//	  }
//	}
type poolsFile struct {
	DefaultPool string                `json:"default_pool"`
	Pools       map[string]PoolConfig `json:"pools"`
}

// FileResolver reads pool configs from a JSON file and re-reads it on an
// interval, so operators can fix a bad pool config without a restart.
type FileResolver struct {
	path string

	mu          sync.RWMutex
	pools       map[string]PoolConfig
	defaultPool string

	closer chan struct{}
}

// NewFileResolver loads path and, if refresh > 0, starts a goroutine that
// reloads it every refresh interval. Reload errors keep the last good
// config.
func NewFileResolver(path string, refresh time.Duration) (*FileResolver, error) {
	r := &FileResolver{path: path, closer: make(chan struct{})}
	if err := r.load(); err != nil {
		return nil, err
	}
	if refresh > 0 {
		go r.loop(refresh)
	}
	return r, nil
}

func (r *FileResolver) load() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return errors.Wrapf(err, "reading pools config %s", r.path)
	}
	var f poolsFile
	if err := json.Unmarshal(b, &f); err != nil {
		return errors.Wrapf(err, "parsing pools config %s", r.path)
	}
	if f.DefaultPool == "" {
		f.DefaultPool = DefaultPoolName
	}
	r.mu.Lock()
	r.pools = f.Pools
	r.defaultPool = f.DefaultPool
	r.mu.Unlock()
	log.Infof("Loaded %d request pools from %s", len(f.Pools), r.path)
	return nil
}

func (r *FileResolver) loop(refresh time.Duration) {
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.load(); err != nil {
				log.WithError(err).Errorf("Failed to reload pools config, keeping previous")
			}
		case <-r.closer:
			return
		}
	}
}

func (r *FileResolver) Close() error {
	close(r.closer)
	return nil
}

func (r *FileResolver) ResolveRequestPool(requestedPool string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if requestedPool == "" {
		return r.defaultPool, nil
	}
	if _, ok := r.pools[requestedPool]; !ok {
		return "", errors.Errorf("request pool %q does not exist", requestedPool)
	}
	return requestedPool, nil
}

func (r *FileResolver) PoolConfig(pool string) (PoolConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.pools[pool]
	if !ok {
		return PoolConfig{}, errors.Errorf("no config for request pool %q", pool)
	}
	return cfg, nil
}

var _ Resolver = (*FileResolver)(nil)
