package pool

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anchor-go/anchor/pkg/fs"
)

// Layout describes the shape of a pool's heap and ulog chains at create
// time, standing in for the (out-of-scope) bucket/run allocator's own
// configuration (spec §4.6a).
type Layout struct {
	HeapSize uint64 `json:"heap_size" yaml:"heap_size"`
	ULogSize uint64 `json:"ulog_size" yaml:"ulog_size"`
	NumLanes int    `json:"num_lanes" yaml:"num_lanes"`
}

// Validate checks that Layout's fields form a usable pool configuration.
func (l Layout) Validate() error {
	if l.HeapSize == 0 {
		return fmt.Errorf("pool: layout: heap_size must be > 0")
	}
	if l.ULogSize == 0 {
		return fmt.Errorf("pool: layout: ulog_size must be > 0")
	}
	if l.NumLanes <= 0 {
		return fmt.Errorf("pool: layout: num_lanes must be > 0")
	}
	return nil
}

// LoadLayout reads a Layout from path, dispatching on its extension
// (.yaml/.yml via gopkg.in/yaml.v3, anything else as JSON) so
// cmd/anchor-server's --layout flag can point at either (spec §4.6a).
func LoadLayout(fsys fs.FS, path string) (Layout, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("pool: load layout: %w", err)
	}

	var l Layout

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &l); err != nil {
			return Layout{}, fmt.Errorf("pool: load layout: parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &l); err != nil {
			return Layout{}, fmt.Errorf("pool: load layout: parse json: %w", err)
		}
	}

	if err := l.Validate(); err != nil {
		return Layout{}, err
	}

	return l, nil
}
