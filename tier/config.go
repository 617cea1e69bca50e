/*
config.go - YAML tier definition loader

PURPOSE:
  Tier tables are program configuration, not code. Operators ship a
  YAML file with the ordered levels and the grace policy; the server
  loads it at startup.

FORMAT:
  grace_cycles: 2
  levels:
    - name: base
      min_points: 0
    - name: silver
      min_points: 100
    - name: gold
      min_points: 500
    - name: platinum
      min_points: 2000
*/
package tier

import (
	"fmt"
	"os"

	"github.com/warp/loyalty-engine/ledger"
	"gopkg.in/yaml.v3"
)

type configFile struct {
	GraceCycles int           `yaml:"grace_cycles"`
	Levels      []configLevel `yaml:"levels"`
}

type configLevel struct {
	Name      string `yaml:"name"`
	MinPoints int64  `yaml:"min_points"`
}

// Load reads a tier definition and policy from a YAML file.
func Load(path string) (Definition, Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, Policy{}, fmt.Errorf("read tier config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML tier definition.
func Parse(data []byte) (Definition, Policy, error) {
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Definition{}, Policy{}, fmt.Errorf("parse tier config: %w", err)
	}

	def := Definition{}
	for _, lvl := range cfg.Levels {
		def.Levels = append(def.Levels, Level{
			Name:      lvl.Name,
			MinPoints: ledger.NewAmount(lvl.MinPoints),
		})
	}
	if err := def.Validate(); err != nil {
		return Definition{}, Policy{}, err
	}
	if cfg.GraceCycles < 0 {
		return Definition{}, Policy{}, fmt.Errorf("tier config: grace_cycles must be >= 0")
	}
	return def, Policy{GraceCycles: cfg.GraceCycles}, nil
}

// DefaultDefinition returns the built-in four-tier table used when no
// config file is supplied.
func DefaultDefinition() Definition {
	return Definition{Levels: []Level{
		{Name: "base", MinPoints: ledger.NewAmount(0)},
		{Name: "silver", MinPoints: ledger.NewAmount(100)},
		{Name: "gold", MinPoints: ledger.NewAmount(500)},
		{Name: "platinum", MinPoints: ledger.NewAmount(2000)},
	}}
}

// DefaultPolicy holds tiers for two below-threshold evaluation cycles
// before downgrading.
func DefaultPolicy() Policy { return Policy{GraceCycles: 2} }
