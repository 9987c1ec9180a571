// Package tables defines the dataset tables built on the tabular engine: the
// manifest listing expected participant visits, and the doughnut tracking
// DICOM-to-BIDS conversion status per imaging session.
package tables

import (
	"github.com/nipoppy/nipoppy/internal/tabular"
)

// Manifest column names.
const (
	ColParticipantID = "participant_id"
	ColVisit         = "visit"
	ColSession       = "session"
	ColDatatype      = "datatype"
)

// ManifestSchema returns the manifest schema. Non-empty visits and sessions
// restrict the accepted values of their column.
func ManifestSchema(sessions, visits []string) *tabular.Schema {
	return &tabular.Schema{
		Name:   "manifest",
		Fields: manifestFields(sessions, visits),
		Keys:   []string{ColParticipantID, ColVisit},
	}
}

func manifestFields(sessions, visits []string) []tabular.Field {
	return []tabular.Field{
		{
			Name:        ColParticipantID,
			Type:        tabular.TypeText,
			Required:    true,
			Description: "Participant identifier",
		},
		{
			Name:        ColVisit,
			Type:        tabular.TypeText,
			Required:    true,
			Check:       tabular.OneOf(visits),
			Description: "Visit label",
		},
		{
			Name:        ColSession,
			Type:        tabular.TypeText,
			Check:       tabular.OneOf(sessions),
			Description: "Imaging session label, empty for visits without imaging",
		},
		{
			Name:        ColDatatype,
			Type:        tabular.TypeList,
			Default:     []string{},
			Description: "BIDS datatypes acquired in the session",
		},
	}
}

// ImagingOnly returns the rows that have a session.
func ImagingOnly(manifest *tabular.Table) *tabular.Table {
	return manifest.Filter(func(r tabular.Row) bool {
		return tabular.FormatValue(r[ColSession]) != ""
	})
}
