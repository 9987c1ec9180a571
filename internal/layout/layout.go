// Package layout describes the directory structure of a dataset and creates
// it.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path"
	"reflect"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"gopkg.in/yaml.v3"

	apperrors "github.com/nipoppy/nipoppy/internal/errors"
)

// Layout holds dataset paths relative to the dataset root, using forward
// slashes.
type Layout struct {
	BIDS           string `yaml:"bids"`
	Derivatives    string `yaml:"derivatives"`
	SourceData     string `yaml:"sourcedata"`
	Downloads      string `yaml:"downloads"`
	Code           string `yaml:"code"`
	Containers     string `yaml:"containers"`
	Descriptors    string `yaml:"descriptors"`
	Invocations    string `yaml:"invocations"`
	TrackerConfigs string `yaml:"tracker_configs"`
	Scripts        string `yaml:"scripts"`
	Scratch        string `yaml:"scratch"`
	RawDICOM       string `yaml:"raw_dicom"`
	Logs           string `yaml:"logs"`
	Tabular        string `yaml:"tabular"`
	Assessments    string `yaml:"assessments"`
	Demographics   string `yaml:"demographics"`

	Config   string `yaml:"config"`
	Manifest string `yaml:"manifest"`
	Doughnut string `yaml:"doughnut"`
}

// Dir is a dataset directory and what it is for.
type Dir struct {
	Path        string
	Description string
}

// Default returns the standard dataset layout.
func Default() *Layout {
	return &Layout{
		BIDS:           "rawdata",
		Derivatives:    "derivatives",
		SourceData:     "sourcedata",
		Downloads:      "downloads",
		Code:           "code",
		Containers:     "code/containers",
		Descriptors:    "code/descriptors",
		Invocations:    "code/invocations",
		TrackerConfigs: "code/tracker_configs",
		Scripts:        "code/scripts",
		Scratch:        "scratch",
		RawDICOM:       "scratch/raw_dicom",
		Logs:           "scratch/logs",
		Tabular:        "tabular",
		Assessments:    "tabular/assessments",
		Demographics:   "tabular/demographics",
		Config:         "code/global_configs.json",
		Manifest:       "tabular/manifest.csv",
		Doughnut:       "scratch/raw_dicom/doughnut.csv",
	}
}

// Parse overrides the default layout with the keys present in a YAML
// document.
func Parse(data []byte) (*Layout, error) {
	l := Default()
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}
	if err := l.Check(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	return l, nil
}

// Load reads a YAML layout file. See Parse.
func Load(fsys billy.Basic, name string) (*Layout, error) {
	data, err := util.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout: %w", err)
	}
	return Parse(data)
}

// Check verifies that every path is set, relative and stays inside the
// dataset.
func (l *Layout) Check() error {
	var errs []error
	v := reflect.ValueOf(l).Elem()
	for i := range v.NumField() {
		key := v.Type().Field(i).Tag.Get("yaml")
		p := v.Field(i).String()
		switch {
		case p == "":
			errs = append(errs, fmt.Errorf("%s: path is required", key))
		case path.IsAbs(p):
			errs = append(errs, fmt.Errorf("%s: path %q must be relative", key, p))
		case path.Clean(p) == ".." || strings.HasPrefix(path.Clean(p), "../"):
			errs = append(errs, fmt.Errorf("%s: path %q leaves the dataset", key, p))
		}
	}
	return errors.Join(errs...)
}

// Dirs returns every dataset directory, parents before children.
func (l *Layout) Dirs() []Dir {
	return []Dir{
		{l.BIDS, "Raw imaging data organized according to the BIDS standard."},
		{l.Derivatives, "Outputs of processing pipelines, one directory per pipeline and version."},
		{l.SourceData, "DICOM files reorganized per session and participant."},
		{l.Downloads, "Data as downloaded from the source, before any processing."},
		{l.Code, "Code and configuration files for the dataset."},
		{l.Containers, "Container images of the pipelines."},
		{l.Descriptors, "Boutiques descriptors of the pipelines."},
		{l.Invocations, "Boutiques invocations of the pipelines."},
		{l.TrackerConfigs, "Files listing the expected outputs of each pipeline."},
		{l.Scripts, "Dataset-specific scripts."},
		{l.Scratch, "Temporary files, safe to delete once pipelines complete."},
		{l.RawDICOM, "Raw DICOM files as received, one directory per session and participant."},
		{l.Logs, "Pipeline and workflow logs."},
		{l.Tabular, "Tabular data: manifest, demographics and assessments."},
		{l.Assessments, "Clinical assessment data."},
		{l.Demographics, "Demographic data."},
	}
}

// Files returns the dataset's required files.
func (l *Layout) Files() []string {
	return []string{l.Config, l.Manifest, l.Doughnut}
}

// Missing returns the directories and files absent under root.
func (l *Layout) Missing(fsys billy.Filesystem, root string) ([]string, error) {
	var missing []string
	check := func(p string, dir bool) error {
		full := fsys.Join(root, p)
		fi, err := fsys.Stat(full)
		switch {
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, full)
		case err != nil:
			return fmt.Errorf("failed to check %s: %w", full, err)
		case fi.IsDir() != dir:
			missing = append(missing, full)
		}
		return nil
	}
	if err := check("", true); err != nil {
		return nil, err
	}
	for _, d := range l.Dirs() {
		if err := check(d.Path, true); err != nil {
			return nil, err
		}
	}
	for _, f := range l.Files() {
		if err := check(f, false); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// Validate fails with an ErrNotFound error listing every missing path.
func (l *Layout) Validate(fsys billy.Filesystem, root string) error {
	missing, err := l.Missing(fsys, root)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "missing %d paths: %v", len(missing), missing).
			WithDetail("missing", missing)
	}
	return nil
}
