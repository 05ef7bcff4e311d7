package internal

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// FastHash is a high-performance non-cryptographic hash function. It is used
// to fingerprint secrets such as challenge ids in logs so that log readers can
// correlate lines without being able to replay the secret.
func FastHash(text string) string {
	h := xxhash.Sum64String(text)
	return strconv.FormatUint(h, 16)
}
