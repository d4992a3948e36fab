// Package config defines the cluster configuration recognized by the core
// (spec.md §6 "Configuration"), grounded in the teacher's config.Parameters
// / DefaultParams / validation pattern (config/config.go, config/errors.go)
// but re-keyed to the fields this spec actually names.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Sentinel validation errors, mirroring the teacher's config/errors.go
// convention of one named error per invalid-parameter case.
var (
	ErrInvalidN        = errors.New("config: n must be >= 4")
	ErrInvalidF        = errors.New("config: f must equal (n-1)/3")
	ErrInvalidID       = errors.New("config: id must be in [0,n)")
	ErrMissingNetAddr  = errors.New("config: net_map missing entry for a replica")
	ErrMissingSecret   = errors.New("config: sk_map missing entry for a replica pair")
	ErrInvalidBatch    = errors.New("config: batch_size must be >= 1")
	ErrInvalidEpsDelta = errors.New("config: epsilon must be < delta")
)

// ProtPayload carries the BAA tuning knobs spec.md §6 describes as
// "Selects mode: approximate-consensus initial value, epsilon, delta; or
// coin parameters".
type ProtPayload struct {
	Epsilon float64 `yaml:"epsilon"`
	Delta   float64 `yaml:"delta"`
	Prime   int64   `yaml:"prime"`
}

// Config is the full recognized configuration surface of spec.md §6.
type Config struct {
	N       int   `yaml:"n"`
	F       int   `yaml:"f"`
	ID      int   `yaml:"id"`
	Payload int   `yaml:"payload"`
	BatchB  int   `yaml:"batch_size"`
	LagWind int   `yaml:"lag_window"`

	ProtPayload ProtPayload `yaml:"prot_payload"`

	// NetMap maps replica -> network address. The core never dials these
	// itself (TCP framing is out of scope); it is carried through for the
	// external transport collaborator to consume.
	NetMap map[int]string `yaml:"net_map"`

	// SKMap maps replica -> this node's pairwise symmetric MAC key with
	// that replica.
	SKMap map[int][]byte `yaml:"sk_map"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.LagWind == 0 {
		c.LagWind = 20
	}
	if c.BatchB == 0 {
		c.BatchB = 1
	}
	if c.ProtPayload.Prime == 0 {
		c.ProtPayload.Prime = 685373784908497 // Scenario C default prime.
	}
	if c.ProtPayload.Delta == 0 {
		c.ProtPayload.Delta = 1
	}
	if c.ProtPayload.Epsilon == 0 {
		c.ProtPayload.Epsilon = 0.01
	}
}

// Validate checks the invariants spec.md §3 "Node Identity" implies:
// f = (n-1)/3 and id in [0,n).
func (c *Config) Validate() error {
	if c.N < 4 {
		return ErrInvalidN
	}
	if c.F != (c.N-1)/3 {
		return ErrInvalidF
	}
	if c.ID < 0 || c.ID >= c.N {
		return ErrInvalidID
	}
	if c.BatchB < 1 {
		return ErrInvalidBatch
	}
	if c.ProtPayload.Epsilon >= c.ProtPayload.Delta {
		return ErrInvalidEpsDelta
	}
	for i := 0; i < c.N; i++ {
		if c.NetMap != nil {
			if _, ok := c.NetMap[i]; !ok {
				return fmt.Errorf("%w: replica %d", ErrMissingNetAddr, i)
			}
		}
	}
	return nil
}

// RoundsAA computes r = ceil(log2(delta/epsilon)), the BAA round count of
// spec.md §4.5 / §6 "rounds_aa".
func (c *Config) RoundsAA() int {
	ratio := c.ProtPayload.Delta / c.ProtPayload.Epsilon
	if ratio <= 1 {
		return 1
	}
	return int(math.Ceil(math.Log2(ratio)))
}

// F computes the fault bound from n, matching spec.md §3 "f = (n-1)/3"
// for callers that only have n.
func F(n int) int {
	return (n - 1) / 3
}
