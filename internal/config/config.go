// Package config implements the immutable, per-worker view of the
// declarative coupling graph: which peer grids this worker's grid sends to
// and receives from, and which fields are allowed on each edge.
//
// In a production deployment, loading config.yaml is the concern of a
// separate run-setup tool; this package is a minimal, self-contained
// stand-in, built so the router and its tests have a real config.yaml to
// load.
package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/parallelfields/coupler/internal/utils"
)

// document mirrors the top-level config.yaml shape: a mappings sequence,
// each with a source grid, a destination grid, and the fields allowed to
// flow along that edge.
type document struct {
	Mappings []mappingEntry `yaml:"mappings"`

	// Grids optionally declares each grid's total point count, the
	// counterpart of a separate grid-info reader in the original system.
	// When present for the local grid, the router cross-checks it against
	// the box it was actually launched with.
	Grids map[string]int `yaml:"grids"`
}

type mappingEntry struct {
	SourceGrid      string   `yaml:"source_grid"`
	DestinationGrid string   `yaml:"destination_grid"`
	Fields          []string `yaml:"fields"`
}

// Config is the read-only view of the coupling graph relevant to one
// worker's grid.
type Config struct {
	ConfigDir string
	LocalGrid string

	sendGrids  utils.Set[string]
	recvGrids  utils.Set[string]
	sendFields map[string]utils.Set[string] // peer grid -> fields we may send it
	recvFields map[string]utils.Set[string] // peer grid -> fields we may receive from it

	declaredGridSize int // 0 means config.yaml did not declare a size for LocalGrid
}

// Load reads <configDir>/config.yaml and reduces it to the Config view for
// localGrid. A pair (source_grid, destination_grid) appearing more than
// once, or a grid mapping to itself, is a configuration error.
func Load(configDir, localGrid string) (*Config, error) {
	path := filepath.Join(configDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: reading %q for grid %q", path, localGrid)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "config: parsing %q", path)
	}

	cfg := &Config{
		ConfigDir:        configDir,
		LocalGrid:        localGrid,
		sendGrids:        utils.MakeSet[string](len(doc.Mappings)),
		recvGrids:        utils.MakeSet[string](len(doc.Mappings)),
		sendFields:       make(map[string]utils.Set[string]),
		recvFields:       make(map[string]utils.Set[string]),
		declaredGridSize: doc.Grids[localGrid],
	}

	type pair struct{ src, dst string }
	seen := utils.MakeSet[pair](len(doc.Mappings))

	for i, m := range doc.Mappings {
		if m.SourceGrid == m.DestinationGrid {
			return nil, errors.Errorf("config: mapping #%d couples grid %q to itself", i, m.SourceGrid)
		}
		key := pair{m.SourceGrid, m.DestinationGrid}
		if seen.Has(key) {
			return nil, errors.Errorf("config: duplicate mapping with source_grid=%q destination_grid=%q",
				m.SourceGrid, m.DestinationGrid)
		}
		seen.Insert(key)

		if localGrid == m.SourceGrid {
			cfg.sendGrids.Insert(m.DestinationGrid)
			cfg.addFields(cfg.sendFields, m.DestinationGrid, m.Fields)
		}
		if localGrid == m.DestinationGrid {
			cfg.recvGrids.Insert(m.SourceGrid)
			cfg.addFields(cfg.recvFields, m.SourceGrid, m.Fields)
		}
	}
	return cfg, nil
}

func (c *Config) addFields(into map[string]utils.Set[string], grid string, fields []string) {
	set, ok := into[grid]
	if !ok {
		set = utils.MakeSet[string](len(fields))
		into[grid] = set
	}
	set.Insert(fields...)
}

// DeclaredGridSize returns the total point count config.yaml declares for
// LocalGrid, or 0 if it declares none (in which case the router skips the
// size cross-check).
func (c *Config) DeclaredGridSize() int { return c.declaredGridSize }

// IsSendGrid reports whether this worker's grid sends to grid.
func (c *Config) IsSendGrid(grid string) bool { return c.sendGrids.Has(grid) }

// IsRecvGrid reports whether this worker's grid receives from grid.
func (c *Config) IsRecvGrid(grid string) bool { return c.recvGrids.Has(grid) }

// IsPeerGrid reports whether grid is a send or receive peer of this
// worker's grid.
func (c *Config) IsPeerGrid(grid string) bool { return c.IsSendGrid(grid) || c.IsRecvGrid(grid) }

// SendGrids returns the grids this worker's grid sends to.
func (c *Config) SendGrids() []string { return keys(c.sendGrids) }

// RecvGrids returns the grids this worker's grid receives from.
func (c *Config) RecvGrids() []string { return keys(c.recvGrids) }

// CanSend reports whether field is allowed to be sent to grid.
func (c *Config) CanSend(field, grid string) bool {
	return c.sendFields[grid].Has(field)
}

// CanRecv reports whether field is allowed to be received from grid.
func (c *Config) CanRecv(field, grid string) bool {
	return c.recvFields[grid].Has(field)
}

func keys(s utils.Set[string]) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}
