// Package zoneerr defines the tagged error kinds surfaced by the zone
// management core, following the sentinel-error pattern used throughout
// this codebase rather than a hierarchy of custom error types.
package zoneerr

import "errors"

// Kind identifies which of the core's error categories an error belongs
// to. Callers that need to branch on error category use Classify rather
// than string-matching error messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindZoneNotFound
	KindZoneAlreadyExists
	KindInvalidZoneName
	KindNameOutsideZone
	KindInvalidRecord
	KindInvalidZoneTransfer
	KindInvalidZoneFile
	KindIOFailure
	KindConversionRejected
	KindOperationNotSupported
)

var (
	// ZoneNotFound is returned when an admin operation references a zone
	// that does not exist in the index.
	ZoneNotFound = errors.New("zone not found")
	// ZoneAlreadyExists is returned when creating a zone whose name is
	// already present in the index.
	ZoneAlreadyExists = errors.New("zone already exists")
	// InvalidZoneName is returned for malformed zone names (empty,
	// non-FQDN, or containing invalid labels).
	InvalidZoneName = errors.New("invalid zone name")
	// NameOutsideZone is returned when a record name is not in-bailiwick
	// for the zone it's being added to.
	NameOutsideZone = errors.New("name outside zone")
	// InvalidRecord is returned for a type/class/TTL violation.
	InvalidRecord = errors.New("invalid record")
	// InvalidZoneTransfer is returned for malformed AXFR/IXFR framing or a
	// serial mismatch during transfer application.
	InvalidZoneTransfer = errors.New("invalid zone transfer")
	// InvalidZoneFile is returned for a bad magic or unknown zone file
	// version.
	InvalidZoneFile = errors.New("invalid zone file")
	// IOFailure is returned for a transient save/load failure.
	IOFailure = errors.New("i/o failure")
	// ConversionRejected is returned when a zone type conversion is not
	// one of the permitted combinations, or a permitted conversion's
	// precondition (e.g. unsigned) is not met.
	ConversionRejected = errors.New("zone conversion rejected")
	// OperationNotSupported is returned for operations that don't apply to
	// a zone's variant, e.g. signing a Secondary zone.
	OperationNotSupported = errors.New("operation not supported")
)

var kindOf = map[error]Kind{
	ZoneNotFound:          KindZoneNotFound,
	ZoneAlreadyExists:     KindZoneAlreadyExists,
	InvalidZoneName:       KindInvalidZoneName,
	NameOutsideZone:       KindNameOutsideZone,
	InvalidRecord:         KindInvalidRecord,
	InvalidZoneTransfer:   KindInvalidZoneTransfer,
	InvalidZoneFile:       KindInvalidZoneFile,
	IOFailure:             KindIOFailure,
	ConversionRejected:    KindConversionRejected,
	OperationNotSupported: KindOperationNotSupported,
}

// Classify maps err to its Kind by walking its wrap chain against the
// sentinel values above. Returns KindUnknown if err does not wrap any of
// them.
func Classify(err error) Kind {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
