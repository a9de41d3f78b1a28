package pgcore

import "strings"

// ServerFeatures holds capability flags derived from the server_version
// ParameterStatus.
type ServerFeatures struct {
	ServerVersion                string
	Major, Minor, Patch          int
	SupportsSavepoint             bool
	SupportsExtraFloatDigits      bool
	SupportsExtraFloatDigits3     bool
	SupportsApplicationName       bool
	SupportsDiscard               bool
	SupportsSSLRenegotiationLimit bool
	SupportsEStringPrefix         bool
	SupportsHexByteFormat         bool
	SupportsRangeTypes            bool
	UseConformantStrings          bool
}

// detectFeatures parses versionString (the leading [0-9.]+ run) and sets
// capability flags by comparing against version thresholds.
func detectFeatures(versionString string) ServerFeatures {
	major, minor, patch := parseLeadingVersion(versionString)
	f := ServerFeatures{
		ServerVersion: versionString,
		Major:         major,
		Minor:         minor,
		Patch:         patch,
	}

	ge := func(reqMajor, reqMinor int) bool {
		if major != reqMajor {
			return major > reqMajor
		}
		return minor >= reqMinor
	}

	f.SupportsSavepoint = ge(8, 0)
	f.SupportsExtraFloatDigits = ge(7, 4)
	f.SupportsExtraFloatDigits3 = ge(9, 0)
	f.SupportsApplicationName = ge(9, 0)
	f.SupportsDiscard = ge(8, 3)
	f.SupportsEStringPrefix = ge(8, 1)
	f.SupportsHexByteFormat = ge(9, 0)
	f.SupportsRangeTypes = ge(9, 2)

	// ssl_renegotiation_limit existed only in a band of minor releases
	// before being removed, hence the disjunction of ranges.
	f.SupportsSSLRenegotiationLimit = (major == 8 && minor >= 4) || (major == 9 && minor <= 1)

	return f
}

// parseLeadingVersion trims versionString to its leading [0-9.]+ run and
// splits it into up to three numeric components.
func parseLeadingVersion(s string) (major, minor, patch int) {
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	parts := strings.SplitN(s[:end], ".", 3)
	nums := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		nums[i] = atoiSafe(parts[i])
	}
	return nums[0], nums[1], nums[2]
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
