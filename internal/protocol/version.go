package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zquestz/nexus/internal/nexuserr"
)

// Version is a MAJOR.MINOR.PATCH triple (spec.md §4.2).
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses a "MAJOR.MINOR.PATCH" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, nexuserr.New(nexuserr.KindInvalidMessageFormat, nil)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// less reports whether v < other, comparing minor then patch (major is
// compared separately by the caller).
func (v Version) less(other Version) bool {
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// CheckCompatibility applies spec.md §4.2's handshake version rule:
//
//	client.major != server.major           -> version-major-mismatch
//	client.major == server.major, client>server -> version-client-too-new
//	otherwise                               -> compatible (older minor/patch OK)
func CheckCompatibility(client, server Version) error {
	if client.Major != server.Major {
		return nexuserr.New(nexuserr.KindVersionMajorMismatch, nexuserr.Params{
			"clientVersion": client.String(),
			"serverVersion": server.String(),
		})
	}
	if server.less(client) {
		return nexuserr.New(nexuserr.KindVersionClientTooNew, nexuserr.Params{
			"clientVersion": client.String(),
			"serverVersion": server.String(),
		})
	}
	return nil
}
