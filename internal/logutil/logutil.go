// Package logutil holds small helpers shared by the relay's log output.
package logutil

// TruncateID shortens identifier values for log fields. Hashes and peer
// ids are user-linkable, so logs carry only a short prefix.
func TruncateID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
