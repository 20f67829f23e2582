package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobKeyRoundTrip(t *testing.T) {
	key := JobKey("untrusted", "validate", "alice", 202501150003, "dem.tif")
	assert.Equal(t, "untrusted/validate/alice/202501150003/dem.tif", key)

	ref, err := ParseJobKey(key)
	require.NoError(t, err)
	assert.Equal(t, "untrusted", ref.Prefix)
	assert.Equal(t, "validate", ref.Command)
	assert.Equal(t, "alice", ref.Username)
	assert.Equal(t, int64(202501150003), ref.JobID)
	assert.Equal(t, "dem.tif", ref.Filename)
}

func TestJobKeyNoPrefix(t *testing.T) {
	key := JobKey("", "import", "bob", 202501150000, "a.nc")
	assert.Equal(t, "import/bob/202501150000/a.nc", key)

	ref, err := ParseJobKey(key)
	require.NoError(t, err)
	assert.Equal(t, "", ref.Prefix)
	assert.Equal(t, "import", ref.Command)
}

func TestParseJobKeyRejections(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"no job id segment", "untrusted/validate/alice/dem.tif"},
		{"id out of epoch", "untrusted/validate/alice/199912310000/dem.tif"},
		{"id not last-but-one segment", "untrusted/validate/202501150000/alice/dem.tif/extra"},
		{"missing command and username", "202501150000/dem.tif"},
		{"empty key", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobKey(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestBucketsValidate(t *testing.T) {
	b := Buckets{
		Untrusted:  "dem-untrusted",
		Trusted:    "dem-trusted",
		Quarantine: "dem-quarantine",
		Export:     "dem-export",
		Database:   "dem-database",
	}
	assert.NoError(t, b.Validate())

	b.Quarantine = ""
	err := b.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quarantine")
}
