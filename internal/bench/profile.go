// Package bench holds the workload driver and named benchmark profiles
// shared by cmd/anchor-server and cmd/anchor-client: a fixed-size value,
// a read/write mix, and a run length to throw at a pool.Pool through an
// rpc.Conn.
//
// Profiles are loaded from a JSONC file (github.com/tailscale/hujson),
// the way the teacher's config.go loads its own config file, so an
// operator can keep several named workloads commented in and out of one
// file instead of juggling flags.
package bench

import (
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"
)

// Profile is one named workload.
type Profile struct {
	Container string  `json:"container"`
	ReadRatio float64 `json:"read_ratio"`
	ValueSize int     `json:"value_size"`
	Keys      int     `json:"keys"`
	Ops       int     `json:"ops"`
	Seed      int64   `json:"seed,omitempty"`
}

// LoadProfiles parses a JSONC document mapping profile names to Profile.
func LoadProfiles(data []byte) (map[string]Profile, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("bench: invalid JSONC profile file: %w", err)
	}

	var profiles map[string]Profile
	if err := json.Unmarshal(standardized, &profiles); err != nil {
		return nil, fmt.Errorf("bench: decode profiles: %w", err)
	}

	return profiles, nil
}
