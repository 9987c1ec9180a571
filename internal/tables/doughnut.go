package tables

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-git/go-billy/v5"

	"github.com/nipoppy/nipoppy/internal/tabular"
)

// Doughnut column names, in addition to the manifest ones.
const (
	ColParticipantDICOMDir = "participant_dicom_dir"
	ColDICOMID             = "dicom_id"
	ColBIDSID              = "bids_id"
	ColDownloaded          = "downloaded"
	ColOrganized           = "organized"
	ColConverted           = "converted"
)

// DoughnutSchema returns the doughnut schema. Missing participant_dicom_dir,
// dicom_id and bids_id values are derived from participant_id.
func DoughnutSchema(sessions, visits []string) *tabular.Schema {
	fields := manifestFields(sessions, visits)
	fields = append(fields,
		tabular.Field{Name: ColParticipantDICOMDir, Type: tabular.TypeText, Required: true, Description: "Participant directory in the downloaded DICOM tree"},
		tabular.Field{Name: ColDICOMID, Type: tabular.TypeText, Required: true, Description: "Participant ID with only alphanumeric characters"},
		tabular.Field{Name: ColBIDSID, Type: tabular.TypeText, Required: true, Description: "BIDS subject ID"},
		tabular.Field{Name: ColDownloaded, Type: tabular.TypeBool, Required: true, Description: "Raw DICOM files are present"},
		tabular.Field{Name: ColOrganized, Type: tabular.TypeBool, Required: true, Description: "DICOM files are organized per session"},
		tabular.Field{Name: ColConverted, Type: tabular.TypeBool, Required: true, Description: "Session was converted to BIDS"},
	)
	return &tabular.Schema{
		Name:      "doughnut",
		Fields:    fields,
		Keys:      []string{ColParticipantID, ColSession},
		Normalize: normalizeDoughnut,
	}
}

func normalizeDoughnut(rec tabular.Record) (tabular.Record, error) {
	pid, ok := rec[ColParticipantID].(string)
	if !ok || pid == "" {
		return rec, nil
	}
	if rec[ColParticipantDICOMDir] == nil {
		rec[ColParticipantDICOMDir] = pid
	}
	if rec[ColDICOMID] == nil {
		rec[ColDICOMID] = ParticipantIDToDICOMID(pid)
	}
	if rec[ColBIDSID] == nil {
		rec[ColBIDSID] = ParticipantIDToBIDSID(pid)
	}
	return rec, nil
}

// StatusDirs are the dataset directories inspected to fill the doughnut
// status columns. An empty path means the status is always false.
type StatusDirs struct {
	// Downloaded holds ses-<session>/<participant_dicom_dir>.
	Downloaded string
	// Organized holds ses-<session>/<dicom_id>.
	Organized string
	// Converted holds <bids_id>/ses-<session>.
	Converted string
}

// Generator builds doughnut tables from a manifest.
type Generator struct {
	FS     billy.Filesystem
	Schema *tabular.Schema
	Dirs   StatusDirs
	// Empty sets every status to false without looking at the filesystem.
	Empty bool
}

// Generate returns one doughnut row per imaging session of the manifest.
func (g *Generator) Generate(manifest *tabular.Table) (*tabular.Table, error) {
	imaging := ImagingOnly(manifest)
	slog.Debug("Generating doughnut", "manifest", manifest.Len(), "imaging", imaging.Len())
	records := make([]tabular.Record, 0, imaging.Len())
	for _, r := range imaging.Rows() {
		pid := tabular.FormatValue(r[ColParticipantID])
		session := tabular.FormatValue(r[ColSession])
		rec := tabular.Record{
			ColParticipantID:       pid,
			ColVisit:               r[ColVisit],
			ColSession:             session,
			ColDatatype:            r[ColDatatype],
			ColParticipantDICOMDir: pid,
			ColDICOMID:             ParticipantIDToDICOMID(pid),
			ColBIDSID:              ParticipantIDToBIDSID(pid),
			ColDownloaded:          false,
			ColOrganized:           false,
			ColConverted:           false,
		}
		if !g.Empty {
			// Session directories always carry the BIDS prefix.
			sesDir := CheckSession(session)
			var err error
			if rec[ColDownloaded], err = g.status(g.Dirs.Downloaded, sesDir, pid); err != nil {
				return nil, err
			}
			if rec[ColOrganized], err = g.status(g.Dirs.Organized, sesDir, rec[ColDICOMID].(string)); err != nil {
				return nil, err
			}
			if rec[ColConverted], err = g.status(g.Dirs.Converted, rec[ColBIDSID].(string), sesDir); err != nil {
				return nil, err
			}
		}
		records = append(records, rec)
	}
	return tabular.FromRecords(g.Schema, records).Validate()
}

// Update appends rows for the manifest's imaging sessions missing from the
// doughnut. Existing rows are kept as they are.
func (g *Generator) Update(doughnut, manifest *tabular.Table) (*tabular.Table, error) {
	missing, err := manifest.Diff(doughnut, doughnut.Keys()...)
	if err != nil {
		return nil, fmt.Errorf("failed to compare manifest and doughnut: %w", err)
	}
	slog.Debug("Updating doughnut", "doughnut", doughnut.Len(), "missing", missing.Len())
	added, err := g.Generate(missing)
	if err != nil {
		return nil, err
	}
	return doughnut.Concatenate(added, true)
}

// status reports whether dir/a/b is a non-empty directory.
func (g *Generator) status(dir, a, b string) (bool, error) {
	if dir == "" {
		return false, nil
	}
	p := g.FS.Join(dir, a, b)
	fi, err := g.FS.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Status", "path", p, "status", "missing")
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s: %w", p, err)
	}
	if !fi.IsDir() {
		return false, nil
	}
	entries, err := g.FS.ReadDir(p)
	if err != nil {
		return false, fmt.Errorf("failed to list %s: %w", p, err)
	}
	ok := len(entries) > 0
	slog.Debug("Status", "path", p, "status", strconv.FormatBool(ok))
	return ok, nil
}
