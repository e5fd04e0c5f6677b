package idgen

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// GeneratePrefixedID returns prefix_<base58 of 12 random bytes>.
func GeneratePrefixedID(prefix string) (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + "_" + base58.Encode(buf), nil
}

// RequestID keeps a caller-supplied id when it looks sane, otherwise mints a uuid.
func RequestID(inbound string) string {
	inbound = strings.TrimSpace(inbound)
	if inbound != "" && len(inbound) <= 128 && !strings.ContainsAny(inbound, "\r\n") {
		return inbound
	}
	return uuid.NewString()
}
