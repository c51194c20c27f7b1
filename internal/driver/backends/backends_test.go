package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	r, err := Load([]Spec{
		{Name: "mem", Type: "memory", Options: map[string]any{"users": map[string]any{"admin": "admin"}}},
		{Name: "files", Type: "local", Options: map[string]any{"root_path": t.TempDir()}},
		{Name: "bucket", Type: "s3", Options: map[string]any{"bucket": "b", "endpoint": "http://127.0.0.1:9000"}},
		{Name: "ftp", Type: "ftp", Options: map[string]any{"allow_host_override": true}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bucket", "files", "ftp", "mem"}, r.Names())

	d, ok := r.Get("mem")
	require.True(t, ok)
	assert.Equal(t, "memory", d.Type())

	_, ok = r.Get("nope")
	assert.False(t, ok)
}

func TestLoadRejectsUnknownAndDuplicates(t *testing.T) {
	_, err := Load([]Spec{{Name: "x", Type: "gopher"}})
	assert.ErrorContains(t, err, "unknown backend type")

	_, err = Load([]Spec{{Name: "x", Type: "memory"}, {Name: "x", Type: "memory"}})
	assert.ErrorContains(t, err, "duplicate")
}
