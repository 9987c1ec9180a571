package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nipoppy/nipoppy/internal/errors"
	"github.com/nipoppy/nipoppy/internal/tables"
	"github.com/nipoppy/nipoppy/internal/tabular"
)

// capture redirects command output for the rest of the test.
func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	old := stdout
	stdout = buf
	t.Cleanup(func() { stdout = old })
	return buf
}

func initDataset(t *testing.T, extra ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ds")
	require.NoError(t, cmdInit(t.Context(), append([]string{"-dataset", dir}, extra...)))
	return dir
}

func loadDoughnut(t *testing.T, dir string) *tabular.Table {
	t.Helper()
	d, err := openDataset(dir, "")
	require.NoError(t, err)
	cfg, err := d.config()
	require.NoError(t, err)
	doughnut, _, err := d.load(kindDoughnut, cfg)
	require.NoError(t, err)
	return doughnut
}

func TestInit(t *testing.T) {
	dir := initDataset(t)
	for _, p := range []string{"code/global_configs.json", "tabular/manifest.csv", "code/descriptors/fmriprep-23.1.3.json", "code/tracker_configs/mriqc/23.1.0.json"} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p)))
		assert.NoError(t, err, p)
	}
	fi, err := os.Lstat(filepath.Join(dir, "scratch", "raw_dicom", "doughnut.csv"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink)
	assert.Equal(t, 0, loadDoughnut(t, dir).Len())

	require.NoError(t, cmdValidate(t.Context(), []string{"-dataset", dir}))

	err = cmdInit(t.Context(), []string{"-dataset", dir})
	assert.Equal(t, 3, apperrors.ExitCode(err))

	assert.ErrorContains(t, cmdInit(t.Context(), nil), "-dataset is required")
	assert.ErrorContains(t, cmdInit(t.Context(), []string{"-dataset", dir, "extra"}), "unknown arguments")
}

func TestInitLayout(t *testing.T) {
	layoutFile := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, os.WriteFile(layoutFile, []byte("doughnut: tabular/doughnut.csv\n"), 0o644))
	dir := initDataset(t, "-layout", layoutFile)
	_, err := os.Lstat(filepath.Join(dir, "tabular", "doughnut.csv"))
	require.NoError(t, err)
	require.NoError(t, cmdValidate(t.Context(), []string{"-dataset", dir, "-layout", layoutFile}))
	// The default layout does not find the doughnut.
	assert.Error(t, cmdValidate(t.Context(), []string{"-dataset", dir}))
}

func TestDoughnut(t *testing.T) {
	dir := initDataset(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scratch", "raw_dicom", "ses-BL", "01"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch", "raw_dicom", "ses-BL", "01", "1.dcm"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "rawdata", "sub-02", "ses-M12", "anat"), 0o755))

	require.NoError(t, cmdDoughnut(t.Context(), []string{"-dataset", dir}))
	doughnut := loadDoughnut(t, dir)
	require.Equal(t, 4, doughnut.Len(), "the visit without a session is skipped")
	status := map[string][3]bool{}
	for _, r := range doughnut.Rows() {
		key := r[tables.ColParticipantID].(string) + "/" + r[tables.ColSession].(string)
		status[key] = [3]bool{r[tables.ColDownloaded].(bool), r[tables.ColOrganized].(bool), r[tables.ColConverted].(bool)}
	}
	assert.Equal(t, map[string][3]bool{
		"01/ses-BL":  {true, false, false},
		"01/ses-M12": {false, false, false},
		"02/ses-BL":  {false, false, false},
		"02/ses-M12": {false, false, true},
	}, status)

	// Updating keeps existing rows, so nothing changes.
	out := capture(t)
	require.NoError(t, cmdDoughnut(t.Context(), []string{"-dataset", dir}))
	require.NoError(t, cmdHistory(t.Context(), []string{"-dataset", dir, "-kind", "doughnut"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "* scratch/raw_dicom/.doughnuts/doughnut-"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  scratch/raw_dicom/.doughnuts/doughnut-"), lines[1])

	require.NoError(t, cmdDoughnut(t.Context(), []string{"-dataset", dir, "-regenerate", "-empty"}))
	for _, r := range loadDoughnut(t, dir).Rows() {
		assert.Equal(t, false, r[tables.ColDownloaded])
		assert.Equal(t, false, r[tables.ColConverted])
	}

	out.Reset()
	require.NoError(t, cmdPrune(t.Context(), []string{"-dataset", dir, "-kind", "doughnut", "-keep", "1"}))
	assert.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 2)
	assert.Equal(t, 4, loadDoughnut(t, dir).Len())
	assert.Error(t, cmdPrune(t.Context(), []string{"-dataset", dir, "-keep", "0"}))
}

func TestUpsert(t *testing.T) {
	dir := initDataset(t)
	args := []string{"-dataset", dir, "-set", "participant_id=03", "-set", "visit=BL", "-set", "session=ses-BL", "-set", "datatype=['anat']"}
	require.NoError(t, cmdUpsert(t.Context(), args))

	d, err := openDataset(dir, "")
	require.NoError(t, err)
	cfg, err := d.config()
	require.NoError(t, err)
	manifest, _, err := d.load(kindManifest, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, manifest.Len())
	fi, err := os.Lstat(filepath.Join(dir, "tabular", "manifest.csv"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink, "the sample manifest is replaced by a snapshot link")

	// Updating a row keeps the row count.
	require.NoError(t, cmdUpsert(t.Context(), []string{"-dataset", dir, "-set", "participant_id=03", "-set", "visit=BL", "-set", "session="}))
	manifest, _, err = d.load(kindManifest, cfg)
	require.NoError(t, err)
	assert.Equal(t, 6, manifest.Len())

	err = cmdUpsert(t.Context(), []string{"-dataset", dir, "-set", "participant_id=04", "-set", "visit=M24"})
	require.Error(t, err)
	assert.Equal(t, 2, apperrors.ExitCode(err))
	assert.ErrorContains(t, err, "M24")

	assert.ErrorContains(t, cmdUpsert(t.Context(), []string{"-dataset", dir}), "at least one -set")
	assert.ErrorContains(t, cmdUpsert(t.Context(), []string{"-dataset", dir, "-set", "novalue"}), "col=value")
	assert.ErrorContains(t, cmdUpsert(t.Context(), []string{"-dataset", dir, "-kind", "bogus", "-set", "a=b"}), "unknown table kind")
}

func TestValidate(t *testing.T) {
	dir := initDataset(t)
	bad := "participant_id,visit,session,datatype\n01,BL,ses-XX,[]\n01,BL,ses-BL,[]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tabular", "bad.csv"), []byte(bad), 0o644))

	err := cmdValidate(t.Context(), []string{"-dataset", dir, "-kind", "manifest", "-file", "tabular/bad.csv"})
	require.Error(t, err)
	assert.Equal(t, 2, apperrors.ExitCode(err))
	assert.ErrorContains(t, err, "ses-XX")

	assert.ErrorContains(t, cmdValidate(t.Context(), []string{"-dataset", dir, "-file", "tabular/bad.csv"}), "requires -kind")

	err = cmdValidate(t.Context(), []string{"-dataset", dir, "-kind", "manifest", "-file", "tabular/missing.csv"})
	require.Error(t, err)
	assert.Equal(t, 4, apperrors.ExitCode(err))

	require.NoError(t, os.Remove(filepath.Join(dir, "code", "global_configs.json")))
	err = cmdValidate(t.Context(), []string{"-dataset", dir})
	require.Error(t, err)
	assert.ErrorContains(t, err, "global_configs.json")
	assert.Equal(t, 4, apperrors.ExitCode(err))
}

func TestSchema(t *testing.T) {
	for _, tt := range []struct {
		kind, property string
	}{
		{"manifest", "participant_id"},
		{"doughnut", "bids_id"},
		{"config", "DATASET_NAME"},
	} {
		t.Run(tt.kind, func(t *testing.T) {
			out := capture(t)
			require.NoError(t, cmdSchema(t.Context(), []string{"-kind", tt.kind}))
			var s struct {
				Properties map[string]any `json:"properties"`
			}
			require.NoError(t, json.Unmarshal(out.Bytes(), &s))
			assert.Contains(t, s.Properties, tt.property)
		})
	}
	assert.Error(t, cmdSchema(t.Context(), []string{"-kind", "bogus"}))

	dir := initDataset(t)
	out := capture(t)
	require.NoError(t, cmdSchema(t.Context(), []string{"-dataset", dir, "-kind", "manifest"}))
	assert.Contains(t, out.String(), "participant_id")
}

func TestGit(t *testing.T) {
	dir := initDataset(t, "-git")
	_, err := os.Stat(filepath.Join(dir, ".git"))
	require.NoError(t, err)

	require.NoError(t, cmdDoughnut(t.Context(), []string{"-dataset", dir, "-git", "-empty"}))
	// No change, no commit.
	require.NoError(t, cmdDoughnut(t.Context(), []string{"-dataset", dir, "-git", "-empty"}))

	out := capture(t)
	require.NoError(t, cmdHistory(t.Context(), []string{"-dataset", dir, "-kind", "doughnut", "-git"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Update doughnut")
	assert.Contains(t, lines[1], "Initialize dataset")

	out.Reset()
	require.NoError(t, cmdHistory(t.Context(), []string{"-dataset", dir, "-kind", "doughnut", "-show", "HEAD"}))
	assert.True(t, strings.HasPrefix(out.String(), "participant_id,visit,session,datatype,participant_dicom_dir"), out.String())
	assert.Contains(t, out.String(), "ses-M12")

	err = cmdHistory(t.Context(), []string{"-dataset", dir, "-kind", "doughnut", "-show", "0123456789012345678901234567890123456789"})
	assert.Equal(t, 4, apperrors.ExitCode(err))

	out.Reset()
	require.NoError(t, cmdHistory(t.Context(), []string{"-dataset", dir, "-show", "HEAD", "-path", "code/global_configs.json"}))
	assert.Contains(t, out.String(), "DATASET_NAME")

	out.Reset()
	require.NoError(t, cmdHistory(t.Context(), []string{"-dataset", dir, "-git", "-path", "code/global_configs.json"}))
	lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "Initialize dataset")

	err = cmdHistory(t.Context(), []string{"-dataset", dir, "-show", "HEAD", "-path", "code/missing.json"})
	assert.Equal(t, 4, apperrors.ExitCode(err))
	assert.ErrorContains(t, cmdHistory(t.Context(), []string{"-dataset", dir, "-path", "code/global_configs.json"}), "requires -git or -show")
}
