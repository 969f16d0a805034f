package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// ImageID is an unique content-based ID of a firmware image.
// See also: https://en.wikipedia.org/wiki/Content-addressable_storage
type ImageID [32]byte

// NewImageIDFromImage calculates an ImageID based on image content.
func NewImageIDFromImage(image []byte) ImageID {
	return ImageID(blake3.Sum256(image))
}

// String implements fmt.Stringer.
func (id ImageID) String() string {
	return hex.EncodeToString(id[:])
}

// Image is one firmware image fetched from the distribution point.
//
// An Image is immutable after fetch: it is owned by the firmware source and
// shared read-only with the device sessions for the duration of the run.
type Image struct {
	// Role is the device role this image targets.
	Role Role

	// Version is the release version as designated by the manifest.
	Version string

	// Filename is the merged-image filename within the release.
	Filename string

	// Body is the raw firmware payload as written to flash offset 0x0.
	Body []byte

	// SHA256 is the expected payload digest from the manifest (hex),
	// empty if the manifest carries none.
	SHA256 string

	// ID is the content-based ID of Body.
	ID ImageID
}

// VerifyDigest checks Body against the expected SHA256 digest. It returns
// nil when no digest is expected.
func (img *Image) VerifyDigest() error {
	if img.SHA256 == "" {
		return nil
	}
	actual := sha256.Sum256(img.Body)
	actualHex := hex.EncodeToString(actual[:])
	if !strings.EqualFold(actualHex, img.SHA256) {
		return ErrDigestMismatch{
			Role:     img.Role,
			Expected: strings.ToLower(img.SHA256),
			Actual:   actualHex,
		}
	}
	return nil
}

// Release is the pair of firmware images the distribution point currently
// designates as latest.
type Release struct {
	Scanner *Image
	Gateway *Image
}

// ImageFor returns the image targeting the given role.
func (r *Release) ImageFor(role Role) (*Image, error) {
	switch role {
	case RoleScanner:
		return r.Scanner, nil
	case RoleGateway:
		return r.Gateway, nil
	}
	return nil, ErrUnknownRole{Role: role}
}

// ErrDigestMismatch implements "error", for the description see Error.
//
// It is fatal for the whole run: flashing with an unverified image is never
// attempted.
type ErrDigestMismatch struct {
	Role     Role
	Expected string
	Actual   string
}

func (err ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch for '%s' firmware: expected sha256 %s, got %s",
		string(err.Role), err.Expected, err.Actual)
}
