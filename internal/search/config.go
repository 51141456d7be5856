// Package search connects search steps to MCP tool collections through a
// tool-calling model loop.
package search

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/avvvet/planbuddy/internal/models"
)

// Collection config files, one per search domain
const (
	VenueConfigFile     = "venue.json"
	TransportConfigFile = "transport.json"
	StayConfigFile      = "stay.json"
)

// EventConfigFile returns the collection file for an event intent
func EventConfigFile(intent models.Intent) string {
	switch intent {
	case models.IntentGameEvent:
		return "event_game.json"
	case models.IntentFitnessEvent:
		return "event_fitness.json"
	case models.IntentTechEvent:
		return "event_tech.json"
	case models.IntentGeneralEvent:
		return "event_general.json"
	}
	return ""
}

// ServerConfig launches one MCP server over stdio
type ServerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// CollectionConfig is the {"mcpServers": {...}} document of a collection file
type CollectionConfig struct {
	Servers map[string]ServerConfig `yaml:"mcpServers"`
}

// ServerNames returns server names in stable order
func (c *CollectionConfig) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadCollectionConfig reads a collection file. JSON is parsed as YAML.
func LoadCollectionConfig(path string) (*CollectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CollectionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%s declares no mcpServers", filepath.Base(path))
	}
	for name, server := range cfg.Servers {
		if server.Command == "" {
			return nil, fmt.Errorf("%s: server %q has no command", filepath.Base(path), name)
		}
	}
	return &cfg, nil
}
