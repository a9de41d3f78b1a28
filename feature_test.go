package pgcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFeaturesOldServer(t *testing.T) {
	f := detectFeatures("7.4.2")
	require.Equal(t, 7, f.Major)
	require.Equal(t, 4, f.Minor)
	require.False(t, f.SupportsSavepoint)
	require.True(t, f.SupportsExtraFloatDigits)
	require.False(t, f.SupportsDiscard)
}

func TestDetectFeaturesModernServer(t *testing.T) {
	f := detectFeatures("15.3 (Debian 15.3-1)")
	require.Equal(t, 15, f.Major)
	require.Equal(t, 3, f.Minor)
	require.True(t, f.SupportsSavepoint)
	require.True(t, f.SupportsDiscard)
	require.True(t, f.SupportsRangeTypes)
	require.False(t, f.SupportsSSLRenegotiationLimit)
}

func TestDetectFeaturesSSLRenegotiationBand(t *testing.T) {
	require.True(t, detectFeatures("8.4.0").SupportsSSLRenegotiationLimit)
	require.True(t, detectFeatures("9.1.5").SupportsSSLRenegotiationLimit)
	require.False(t, detectFeatures("9.2.0").SupportsSSLRenegotiationLimit)
	require.False(t, detectFeatures("8.3.9").SupportsSSLRenegotiationLimit)
}

func TestParseLeadingVersionStopsAtFirstNonNumeric(t *testing.T) {
	major, minor, patch := parseLeadingVersion("9.4.1-beta1")
	require.Equal(t, 9, major)
	require.Equal(t, 4, minor)
	require.Equal(t, 1, patch)
}
