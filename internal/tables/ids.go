package tables

import (
	"strings"
	"unicode"
)

const (
	// BIDSSubjectPrefix starts every BIDS subject identifier.
	BIDSSubjectPrefix = "sub-"
	// BIDSSessionPrefix starts every BIDS session identifier.
	BIDSSessionPrefix = "ses-"
)

// ParticipantIDToDICOMID keeps only the letters and digits of a participant
// ID.
func ParticipantIDToDICOMID(participantID string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, participantID)
}

// DICOMIDToBIDSID adds the BIDS subject prefix.
func DICOMIDToBIDSID(dicomID string) string {
	return BIDSSubjectPrefix + dicomID
}

// ParticipantIDToBIDSID returns the BIDS subject identifier of a participant.
func ParticipantIDToBIDSID(participantID string) string {
	return DICOMIDToBIDSID(ParticipantIDToDICOMID(participantID))
}

// CheckSession adds the BIDS session prefix unless already present.
func CheckSession(session string) string {
	if strings.HasPrefix(session, BIDSSessionPrefix) {
		return session
	}
	return BIDSSessionPrefix + session
}
