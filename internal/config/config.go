// Manages the dataset configuration stored in global_configs.json.

// Package config loads and saves a dataset's global configuration.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

// FileName is the configuration file name inside the dataset's code directory.
const FileName = "global_configs.json"

// Config is the dataset configuration. Unknown keys are ignored on load.
type Config struct {
	// DatasetName identifies the dataset.
	DatasetName string `json:"DATASET_NAME" jsonschema:"description=Name of the dataset"`
	// Sessions are the accepted values of the session column.
	Sessions []string `json:"SESSIONS" jsonschema:"description=Imaging sessions, e.g. ses-BL"`
	// Visits are the accepted values of the visit column. Empty accepts any.
	Visits []string `json:"VISITS,omitempty" jsonschema:"description=Visits, with or without imaging"`
	// ContainerStore is the directory holding pipeline containers.
	ContainerStore string `json:"CONTAINER_STORE,omitempty" jsonschema:"description=Directory of container images"`
	// BIDS lists the BIDS conversion pipelines by name then version.
	BIDS map[string]map[string]Pipeline `json:"BIDS,omitempty"`
	// ProcPipelines lists the processing pipelines by name then version.
	ProcPipelines map[string]map[string]Pipeline `json:"PROC_PIPELINES"`
}

// Pipeline configures one version of a pipeline.
type Pipeline struct {
	Container   string `json:"CONTAINER,omitempty" jsonschema:"description=Container image path"`
	URI         string `json:"URI,omitempty" jsonschema:"description=Container source URI"`
	Description string `json:"DESCRIPTION,omitempty"`
}

// Validate checks that required keys are present and that no pipeline is
// declared both as a BIDS converter and a processing pipeline.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatasetName) == "" {
		errs = append(errs, errors.New("DATASET_NAME is required"))
	}
	if len(c.Sessions) == 0 {
		errs = append(errs, errors.New("SESSIONS is required"))
	}
	for i, s := range c.Sessions {
		if s == "" {
			errs = append(errs, fmt.Errorf("SESSIONS[%d] is empty", i))
		}
	}
	if c.ProcPipelines == nil {
		errs = append(errs, errors.New("PROC_PIPELINES is required"))
	}
	var both []string
	for name := range c.BIDS {
		if _, ok := c.ProcPipelines[name]; ok {
			both = append(both, name)
		}
	}
	if len(both) > 0 {
		slices.Sort(both)
		errs = append(errs, fmt.Errorf("cannot have the same pipeline under BIDS and PROC_PIPELINES: %v", both))
	}
	return errors.Join(errs...)
}

// Pipeline returns the configuration of a pipeline version, looking in BIDS
// first.
func (c *Config) Pipeline(name, version string) (Pipeline, error) {
	versions, ok := c.BIDS[name]
	if !ok {
		versions, ok = c.ProcPipelines[name]
	}
	if !ok {
		return Pipeline{}, fmt.Errorf("no config found for pipeline %s", name)
	}
	p, ok := versions[version]
	if !ok {
		return Pipeline{}, fmt.Errorf("no config found for %s %s, known versions: %v", name, version, slices.Sorted(maps.Keys(versions)))
	}
	return p, nil
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &cfg, nil
}

// Load reads the configuration at path.
func Load(fsys billy.Basic, path string) (*Config, error) {
	data, err := util.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Save writes the configuration at path, indented with four spaces.
func (c *Config) Save(fsys billy.Basic, path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := util.WriteFile(fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// JSONSchema describes the configuration file.
func JSONSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	return r.Reflect(&Config{})
}
