// Package md5 computes attachment content digests in the form 4chan
// publishes them: base64 of the raw MD5 sum.
package md5

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/base64"
	"fmt"
	"io"
)

// Sum returns the base64-encoded MD5 digest of data.
func Sum(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SumReader streams r through MD5 and returns the base64-encoded digest.
func SumReader(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash stream: %w", err)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// FromRaw converts a raw MD5 digest (as reported by object stores) into the base64 form.
func FromRaw(digest []byte) string {
	return base64.StdEncoding.EncodeToString(digest)
}
