package validation

import (
	"fmt"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/devrev/buckets/internal/errors"
	"github.com/devrev/buckets/internal/model"
)

const (
	MinBucketNameSize = 3
	MaxBucketNameSize = 63
	MaxObjectNameSize = 1024

	MaxUserMetadataSize    = 2 * 1024 // total of keys and values
	MaxUserMetadataEntries = 64
)

// Validator checks names and metadata before they reach the disks
type Validator struct {
	maxObjectNameSize   int
	maxObjectSize       int64
	maxUserMetadataSize int
}

// NewValidator creates a validator with default limits and no object size limit
func NewValidator() *Validator {
	return &Validator{
		maxObjectNameSize:   MaxObjectNameSize,
		maxUserMetadataSize: MaxUserMetadataSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits. A
// maxObjectSize of 0 disables the size check.
func NewValidatorWithLimits(maxObjectNameSize int, maxObjectSize int64, maxUserMetadataSize int) *Validator {
	return &Validator{
		maxObjectNameSize:   maxObjectNameSize,
		maxObjectSize:       maxObjectSize,
		maxUserMetadataSize: maxUserMetadataSize,
	}
}

// ValidatePut validates a put operation
func (v *Validator) ValidatePut(bucket, object string, size int64, userDefined map[string]string) error {
	if err := v.ValidateBucketName(bucket); err != nil {
		return err
	}
	if err := v.ValidateObjectName(object); err != nil {
		return err
	}
	if size < 0 {
		return errors.InvalidArgument(fmt.Sprintf("negative object size %d", size), nil)
	}
	if v.maxObjectSize > 0 && size > v.maxObjectSize {
		return errors.InvalidArgument(fmt.Sprintf("object size %d exceeds maximum of %d bytes", size, v.maxObjectSize), nil)
	}
	return v.ValidateUserMetadata(userDefined)
}

// ValidateBucketName enforces DNS-compatible bucket names: 3 to 63
// characters of lowercase letters, digits, dots and hyphens, starting and
// ending with a letter or digit, and not an IP address.
func (v *Validator) ValidateBucketName(bucket string) error {
	if len(bucket) < MinBucketNameSize || len(bucket) > MaxBucketNameSize {
		return invalidBucket(bucket, fmt.Sprintf("length must be between %d and %d", MinBucketNameSize, MaxBucketNameSize))
	}

	for i := 0; i < len(bucket); i++ {
		c := bucket[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '.' || c == '-':
			if i == 0 || i == len(bucket)-1 {
				return invalidBucket(bucket, "must start and end with a letter or digit")
			}
		default:
			return invalidBucket(bucket, fmt.Sprintf("invalid character %q", c))
		}
	}

	if strings.Contains(bucket, "..") || strings.Contains(bucket, ".-") || strings.Contains(bucket, "-.") {
		return invalidBucket(bucket, "adjacent separators")
	}
	if net.ParseIP(bucket) != nil {
		return invalidBucket(bucket, "must not be an IP address")
	}
	return nil
}

// ValidateObjectName validates an object key
func (v *Validator) ValidateObjectName(object string) error {
	if object == "" {
		return errors.InvalidArgument("object name cannot be empty", nil)
	}
	if len(object) > v.maxObjectNameSize {
		return errors.InvalidArgument(fmt.Sprintf("object name exceeds maximum size of %d bytes", v.maxObjectNameSize), nil)
	}
	if !utf8.ValidString(object) {
		return errors.InvalidArgument("object name must be valid UTF-8", nil)
	}
	for _, r := range object {
		if r == 0 || unicode.IsControl(r) {
			return errors.InvalidArgument("object name cannot contain control characters", nil)
		}
	}
	for _, part := range strings.Split(object, "/") {
		if part == "." || part == ".." {
			return errors.InvalidArgument("object name cannot contain '.' or '..' path elements", nil)
		}
	}
	return nil
}

// ValidateUserMetadata checks user-defined metadata. Reserved keys are
// rejected since they are written by the store itself.
func (v *Validator) ValidateUserMetadata(userDefined map[string]string) error {
	if len(userDefined) > MaxUserMetadataEntries {
		return errors.InvalidArgument(fmt.Sprintf("too many metadata entries: %d > %d", len(userDefined), MaxUserMetadataEntries), nil)
	}

	total := 0
	for k, val := range userDefined {
		if k == "" {
			return errors.InvalidArgument("metadata key cannot be empty", nil)
		}
		if k == model.MetaContentType || k == model.MetaETag {
			return errors.InvalidArgument(fmt.Sprintf("metadata key %q is reserved", k), nil)
		}
		if strings.ContainsFunc(k+val, unicode.IsControl) {
			return errors.InvalidArgument(fmt.Sprintf("metadata entry %q contains control characters", k), nil)
		}
		total += len(k) + len(val)
	}
	if total > v.maxUserMetadataSize {
		return errors.InvalidArgument(fmt.Sprintf("metadata size %d exceeds maximum of %d bytes", total, v.maxUserMetadataSize), nil)
	}
	return nil
}

func invalidBucket(bucket, reason string) error {
	return errors.InvalidArgument(fmt.Sprintf("invalid bucket name %q: %s", bucket, reason), nil)
}

// SanitizeObjectName removes control characters and leading slashes
func SanitizeObjectName(object string) string {
	sanitized := strings.Map(func(r rune) rune {
		if r == 0 || unicode.IsControl(r) {
			return -1
		}
		return r
	}, object)

	sanitized = strings.TrimLeft(sanitized, "/")
	if len(sanitized) > MaxObjectNameSize {
		sanitized = sanitized[:MaxObjectNameSize]
	}
	return sanitized
}
