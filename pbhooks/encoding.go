package pbhooks

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"lifehub/crypto"
)

// EncodedPrefix marks a text field that holds a sealed value.
const EncodedPrefix = "lhenc:"

var errNotEncoded = errors.New("pbhooks: value is not encoded")

// EncodeField turns a sealed blob into a text field value.
func EncodeField(sealed []byte) string {
	return EncodedPrefix + base64.StdEncoding.EncodeToString(sealed)
}

// IsEncoded reports whether value has the shape EncodeField produces: the
// prefix, valid base64, at least crypto.Overhead bytes and a registered
// version byte. It does not check that the value opens under any key.
func IsEncoded(value string) bool {
	_, err := DecodeField(value)
	return err == nil
}

// DecodeField reverses EncodeField and rejects values that cannot be a
// sealed blob.
func DecodeField(value string) ([]byte, error) {
	if !strings.HasPrefix(value, EncodedPrefix) {
		return nil, errNotEncoded
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncodedPrefix))
	if err != nil {
		return nil, fmt.Errorf("pbhooks: decoding field: %w", err)
	}
	if len(b) < crypto.Overhead {
		return nil, fmt.Errorf("pbhooks: sealed value shorter than %d bytes", crypto.Overhead)
	}
	if !crypto.KnownVersion(b[0]) {
		return nil, fmt.Errorf("pbhooks: sealed value has unknown version %d", b[0])
	}
	return b, nil
}
