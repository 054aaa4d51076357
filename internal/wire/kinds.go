package wire

import (
	"errors"

	"code.kassandra.org/golang/pkg/attestation"
	"code.kassandra.org/golang/pkg/ratls"
)

// Error kinds carried on the wire in ErrorBody.Kind. Implementation errors
// are mapped to kinds with KindOf and back with KindError.
const (
	KindFraTooLow           = "FraTooLow"
	KindHeightSkipped       = "HeightSkipped"
	KindMalformedBatch      = "MalformedBatch"
	KindUnknownSession      = "UnknownSession"
	KindDecrypt             = "Decrypt"
	KindQuoteInvalid        = "QuoteInvalid"
	KindMeasurementMismatch = "MeasurementMismatch"
	KindReportDataMismatch  = "ReportDataMismatch"
	KindBusy                = "Busy"
	KindIndexerUnreachable  = "IndexerUnreachable"
	KindTooManySessions     = "TooManySessions"

	// KindInternal classifies errors that match no wire kind.
	KindInternal = "Internal"
)

// kindFlags maps each wire kind to the flag errors that surface it. Crypto
// kinds point at the flags raised by the crypto packages.
var kindFlags = []struct {
	kind string
	flag error
}{
	{KindFraTooLow, ErrFraTooLow},
	{KindHeightSkipped, ErrHeightSkipped},
	{KindMalformedBatch, ErrMalformedBatch},
	{KindUnknownSession, ErrUnknownSession},
	{KindDecrypt, ratls.ErrDecrypt},
	{KindQuoteInvalid, attestation.ErrQuoteInvalid},
	{KindMeasurementMismatch, attestation.ErrMeasurementMismatch},
	{KindReportDataMismatch, ratls.ErrReportDataMismatch},
	{KindBusy, ErrBusy},
	{KindIndexerUnreachable, ErrIndexerUnreachable},
	{KindTooManySessions, ErrTooManySessions},
}

// KindOf maps err to its wire kind, or KindInternal when no kind matches.
func KindOf(err error) string {
	for _, kf := range kindFlags {
		if errors.Is(err, kf.flag) {
			return kf.kind
		}
	}
	return KindInternal
}

// KindError returns a flagged error for a kind received on the wire, so that
// callers can test wire failures with errors.Is.
func KindError(kind, msg string) error {
	for _, kf := range kindFlags {
		if kind == kf.kind {
			return flagError(kf.flag, "%s", msg)
		}
	}
	return newError("%s: %s", kind, msg)
}
