package svdf

import "github.com/uplo-tech/errors"

// Error taxonomy for the codec (spec §7): every one of these is fatal to
// the current parse/encode operation. Callers (the upload/sync engines)
// decide whether to fall back to a full rebuild or surface the error.
var (
	// ErrInvalidHeader is returned when the header is smaller than 64
	// bytes or otherwise structurally malformed.
	ErrInvalidHeader = errors.New("invalid SVDF header")

	// ErrInvalidMagic is returned on a magic/version mismatch.
	ErrInvalidMagic = errors.New("invalid SVDF magic")

	// ErrInvalidManifest is returned when the manifest trailer cannot be
	// decrypted or decoded as a FileManifestEntry array.
	ErrInvalidManifest = errors.New("invalid SVDF manifest")

	// ErrInvalidEntry is returned when a file entry's length fields
	// violate the bounds described in spec §4.1.
	ErrInvalidEntry = errors.New("invalid SVDF file entry")

	// ErrFieldTooLarge is returned at encode time when a size field would
	// overflow its wire width.
	ErrFieldTooLarge = errors.New("field too large to encode")

	// ErrNegativeField is returned when an encode-time size computation
	// went negative, which can only happen on programmer error.
	ErrNegativeField = errors.New("negative size field")

	// ErrPayloadTooLarge is returned by the in-memory build path when the
	// total encoded size would exceed the configured budget.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum in-memory container size")
)
