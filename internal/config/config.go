package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"sortgrid/internal/auth"
	"sortgrid/internal/grid"
)

const AppName = "sortgrid"

// GridConfig describes one sortable grid.
type GridConfig struct {
	Name                 string `yaml:"name"`
	Table                string `yaml:"table"`
	SortColumn           string `yaml:"sort_column"`
	Versioned            bool   `yaml:"versioned"`
	UpdateVersionedStage string `yaml:"update_versioned_stage"`
	AppendToTop          bool   `yaml:"append_to_top"`
	PerPage              int    `yaml:"per_page"`
	Module               string `yaml:"module"`
}

// Config is the on-disk service configuration.
type Config struct {
	Port          int           `yaml:"port"`
	DBPath        string        `yaml:"db_path"`
	LogLevel      string        `yaml:"log_level"`
	CORSOrigins   []string      `yaml:"cors_origins"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	StateTTL      time.Duration `yaml:"state_ttl"`
	SeedFixtures  string        `yaml:"seed_fixtures"`
	AdminPassword string        `yaml:"admin_password"`
	Grids         []GridConfig  `yaml:"grids"`
}

// Default returns the built-in configuration: a plain "teams" grid and a
// versioned "vteams" grid that also rewrites the Live stage on sort.
func Default() *Config {
	return &Config{
		Port:        9000,
		DBPath:      "sortgrid.db",
		LogLevel:    "info",
		CORSOrigins: []string{"http://localhost:9000"},
		SessionTTL:  24 * time.Hour,
		StateTTL:    time.Hour,
		Grids: []GridConfig{
			{Name: "teams", Table: "teams"},
			{Name: "vteams", Table: "vteams", Versioned: true, UpdateVersionedStage: "Live"},
		},
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills per-grid defaults and rejects unusable settings.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.StateTTL <= 0 {
		c.StateTTL = time.Hour
	}

	seen := make(map[string]bool)
	for i := range c.Grids {
		g := &c.Grids[i]
		if g.Name == "" {
			return fmt.Errorf("config: grid #%d has no name", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("config: duplicate grid %q", g.Name)
		}
		seen[g.Name] = true
		if g.Table == "" {
			g.Table = g.Name
		}
		if g.SortColumn == "" {
			g.SortColumn = grid.DefaultSortColumn
		}
		if g.PerPage <= 0 {
			g.PerPage = grid.DefaultPerPage
		}
		if g.Module == "" {
			g.Module = auth.ModuleGrids
		}
		for _, ident := range []string{g.Table, g.SortColumn, g.Module} {
			if _, err := auth.SanitizeIdentifier(ident); err != nil {
				return fmt.Errorf("config: grid %q: invalid identifier %q", g.Name, ident)
			}
		}
		switch g.UpdateVersionedStage {
		case "":
		case grid.StageDraft, grid.StageLive:
			if !g.Versioned {
				return fmt.Errorf("config: grid %q sets update_versioned_stage but is not versioned", g.Name)
			}
		default:
			return fmt.Errorf("config: grid %q: unknown stage %q", g.Name, g.UpdateVersionedStage)
		}
	}
	return nil
}

// GridDefs converts the configured grids for grid.NewRegistry.
func (c *Config) GridDefs() []grid.Grid {
	out := make([]grid.Grid, 0, len(c.Grids))
	for _, g := range c.Grids {
		out = append(out, grid.Grid{
			Name:                 g.Name,
			Table:                g.Table,
			SortColumn:           g.SortColumn,
			Versioned:            g.Versioned,
			UpdateVersionedStage: g.UpdateVersionedStage,
			AppendToTop:          g.AppendToTop,
			PerPage:              g.PerPage,
			Module:               g.Module,
		})
	}
	return out
}
