package util

import (
	"golang.org/x/text/unicode/norm"
)

// Normalize maps compatibility-equivalent strings onto one representation
// so that a password typed on different keyboards hashes identically.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}
