package warmstart

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadSampleListFiltersByPrefix(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "demo_001"), 0o755))
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "demo_002"), 0o755))
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "other"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "demo_file.txt"), []byte("x"), 0o644))

	list, err := ReadSampleList(dir)
	assert.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSampleListSliceCopies(t *testing.T) {
	list := SampleList{"a", "b", "c"}
	sub := list.Slice(0, 2).(SampleList)
	assert.Equal(t, SampleList{"a", "b"}, sub)

	sub[0] = "z"
	assert.Equal(t, "a", list[0])
}
