package version

import "fmt"

// Maps 0-9 to digits and larger values to letters. Values past 'Z' are clamped.
func versionChar(v int) rune {
	switch {
	case v < 0:
		return '0'
	case v < 10:
		return rune('0' + v)
	case v < 36:
		return rune('A' + v - 10)
	default:
		return 'Z'
	}
}

// Fingerprint builds an 8 character peer ID prefix like "-SC0100-".
func Fingerprint(name string, major, minor, revision, tag int) string {
	if len(name) < 2 {
		name = "--"
	}
	return fmt.Sprintf("-%c%c%c%c%c%c-",
		name[0],
		name[1],
		versionChar(major),
		versionChar(minor),
		versionChar(revision),
		versionChar(tag),
	)
}
