// Package version implements the View Syncer's monotonic clock: the
// ordered (stateVersion, minorVersion) pair and its cookie encoding.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/sync-vector-engine/internal/verr"
)

// Version is the ordered pair used everywhere a monotonic clock is
// needed. stateVersion is assigned by the replica ingester; minorVersion
// bumps when the CVR changes without the replica advancing.
type Version struct {
	StateVersion string
	MinorVersion uint32
}

// Zero is the minimum version, equal to a null base cookie.
var Zero = Version{StateVersion: "00", MinorVersion: 0}

// Ordering enumerates the three possible comparison outcomes.
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

// Compare orders a relative to b: stateVersion first, then minorVersion.
func Compare(a, b Version) Ordering {
	switch {
	case a.StateVersion < b.StateVersion:
		return Less
	case a.StateVersion > b.StateVersion:
		return Greater
	case a.MinorVersion < b.MinorVersion:
		return Less
	case a.MinorVersion > b.MinorVersion:
		return Greater
	default:
		return Equal
	}
}

// LessThan reports whether a orders strictly before b.
func LessThan(a, b Version) bool { return Compare(a, b) == Less }

// GreaterOrEqual reports whether a orders at or after b.
func GreaterOrEqual(a, b Version) bool { return Compare(a, b) != Less }

// Equal reports whether v and other order identically.
func (v Version) Equal(other Version) bool { return Compare(v, other) == Equal }

// Max returns whichever of a, b orders last.
func Max(a, b Version) Version {
	if LessThan(a, b) {
		return b
	}
	return a
}

// Bump advances v: when minor is true it only increments MinorVersion,
// otherwise it adopts newState and resets MinorVersion to 0.
func Bump(v Version, newState string, minor bool) Version {
	if minor {
		return Version{StateVersion: v.StateVersion, MinorVersion: v.MinorVersion + 1}
	}
	return Version{StateVersion: newState, MinorVersion: 0}
}

// cookieWidth zero-pads the minor version so lexicographic string
// comparison of cookies matches Compare byte-for-byte.
const cookieWidth = 10

// ToCookie encodes v as an opaque, order-preserving string.
func ToCookie(v Version) string {
	return fmt.Sprintf("%s:%0*d", v.StateVersion, cookieWidth, v.MinorVersion)
}

// FromCookie decodes a cookie produced by ToCookie. An empty cookie
// decodes to Zero, matching the "null base cookie" rule.
func FromCookie(cookie string) (Version, error) {
	if cookie == "" {
		return Zero, nil
	}
	idx := strings.LastIndex(cookie, ":")
	if idx < 0 || idx == len(cookie)-1 {
		return Version{}, verr.New(verr.BadRequest, fmt.Sprintf("malformed cookie %q", cookie))
	}
	state := cookie[:idx]
	minorStr := cookie[idx+1:]
	if state == "" || len(minorStr) != cookieWidth {
		return Version{}, verr.New(verr.BadRequest, fmt.Sprintf("malformed cookie %q", cookie))
	}
	minor, err := strconv.ParseUint(minorStr, 10, 32)
	if err != nil {
		return Version{}, verr.New(verr.BadRequest, fmt.Sprintf("malformed cookie %q: %v", cookie, err))
	}
	return Version{StateVersion: state, MinorVersion: uint32(minor)}, nil
}

// String implements fmt.Stringer for log lines.
func (v Version) String() string { return ToCookie(v) }
