package trustgate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckName(t *testing.T) {
	v := &Validator{
		Allow: []string{"*.tif", "*.nc", "*.{shp,shx,dbf}"},
		Deny:  []string{"*.exe"},
	}

	assert.NoError(t, v.CheckName("dem.tif"))
	assert.NoError(t, v.CheckName("coast.shp"))

	var verdict *ValidationError
	err := v.CheckName("script.exe")
	require.ErrorAs(t, err, &verdict, "deny pattern is a trust verdict")
	assert.Equal(t, "script.exe", verdict.Filename)

	err = v.CheckName("notes.txt")
	assert.ErrorAs(t, err, &verdict, "no allow match is a trust verdict")
}

func TestCheckNameNoPatternsAllowsAll(t *testing.T) {
	v := &Validator{}
	assert.NoError(t, v.CheckName("anything.bin"))
}

func TestCheckArrival(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.tif")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	// md5("hello")
	const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

	v := &Validator{}
	size, sum, err := v.CheckArrival(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, helloMD5, sum)
}

func TestCheckArrivalOverSizeLimitIsVerdict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.tif")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	small := &Validator{MaxSizeBytes: 3}
	_, _, err := small.CheckArrival(path)
	var verdict *ValidationError
	require.ErrorAs(t, err, &verdict)
	assert.Equal(t, "dem.tif", verdict.Filename)
}

func TestCheckArrivalMissingFileIsNotVerdict(t *testing.T) {
	v := &Validator{}
	_, _, err := v.CheckArrival(filepath.Join(t.TempDir(), "gone.tif"))
	require.Error(t, err)

	// An IO failure must not read as a quarantine verdict.
	var verdict *ValidationError
	assert.False(t, errors.As(err, &verdict))
}
