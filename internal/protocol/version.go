// Package protocol defines the coordinator and peer wire formats: the
// JSON message envelope, every message variant, and protocol version
// negotiation.
package protocol

import "fmt"

// Current is the protocol version this worker speaks.
var Current = Version{Major: 1, Minor: 0, Patch: 0}

// Version identifies a protocol revision.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Patch uint32 `json:"patch"`
}

// CompatibleWith reports whether this version can talk to other.
// The major version must match exactly and the local minor version must
// be at least the remote one.
func (v Version) CompatibleWith(other Version) bool {
	return v.Major == other.Major && v.Minor >= other.Minor
}

// Equal reports an exact three-component match.
func (v Version) Equal(other Version) bool {
	return v == other
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
