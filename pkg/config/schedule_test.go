package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JuliaMoon1/gear/pkg/runtime/costs"
)

const twoTables = `
tables:
  - from_height: 0
    instantiation: 100
    load_page: 10
    calls:
      send: {base: 50, per_byte: 1}
  - from_height: 1000
    instantiation: 80
`

func TestLoadSchedule_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schedule_main.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoTables), 0o600))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	require.Len(t, s.Tables, 2)

	table, err := s.ForHeight(999)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), table.Instantiation)
	assert.Equal(t, uint64(50+4), table.Call(costs.CallSend, 4))

	table, err = s.ForHeight(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), table.Instantiation)
}

func TestLoadSchedule_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule_flat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[tables]]
from_height = 0
write_page = 7
`), 0o600))

	s, err := LoadSchedule(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.Tables[0].WritePage)
}

func TestLoadSchedule_RejectsUnordered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule_bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tables:
  - from_height: 5
`), 0o600))
	_, err := LoadSchedule(path)
	assert.ErrorContains(t, err, "height 0")
}

func TestLoadSchedules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedule_a.yaml"), []byte(twoTables), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedule_b.toml"), []byte("[[tables]]\nfrom_height = 0\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600))

	all, err := LoadSchedules(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "b")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedule_a.toml"), []byte("[[tables]]\nfrom_height = 0\n"), 0o600))
	_, err = LoadSchedules(dir)
	assert.ErrorContains(t, err, "defined twice")
}

func TestCostSchedule_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule_x.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoTables), 0o600))
	cfg := Default()
	cfg.Engine.Schedule = path
	s, err := cfg.CostSchedule()
	require.NoError(t, err)
	assert.Len(t, s.Tables, 2)

	cfg.Engine.Schedule = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.CostSchedule()
	assert.Error(t, err)
}
