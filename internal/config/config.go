package config

import (
	"github.com/keshon/pakio/internal/dispatch"
	"github.com/keshon/pakio/internal/fs"
	"github.com/keshon/pakio/internal/util"
)

// FileName is the runtime configuration file looked up next to the
// working directory.
const FileName = "pakio.json"

// Config holds the tunable dispatcher sizes. Zero values fall back to
// the dispatcher defaults.
type Config struct {
	BlockSize     int `json:"blockSize"`
	CacheBlocks   int `json:"cacheBlocks"`
	DecodeWorkers int `json:"decodeWorkers"`
	MaxRequests   int `json:"maxRequests"`
}

// Load reads the configuration file at path. A missing file is not an
// error; defaults apply.
func Load(path string) (Config, error) {
	var c Config
	if !fs.NewOSFS().FileExists(path) {
		return c, nil
	}
	if err := util.ReadJSON(path, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes the configuration file atomically.
func Save(path string, c Config) error {
	return util.WriteJSON(path, c)
}

// DispatcherOptions converts the configuration to dispatcher options.
func (c Config) DispatcherOptions() dispatch.Options {
	return dispatch.Options{
		BlockSize:     c.BlockSize,
		CacheBlocks:   c.CacheBlocks,
		DecodeWorkers: c.DecodeWorkers,
		MaxRequests:   c.MaxRequests,
	}
}
