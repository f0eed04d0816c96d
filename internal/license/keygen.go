package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"keygate/internal/config"
)

// GenerateKey creates a new license key of the form
// PREFIX-XXXXXXXX-XXXXXXXX-XXXXXXXX using crypto/rand.
func GenerateKey(prefix string) (string, error) {
	if prefix == "" {
		prefix = config.LicenseKeyPrefix
	}
	segments := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate license key: %w", err)
		}
		segments = append(segments, strings.ToUpper(hex.EncodeToString(buf)))
	}
	return prefix + "-" + strings.Join(segments, "-"), nil
}
