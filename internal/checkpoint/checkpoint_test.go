package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilenameIsLexicographicallySortable(t *testing.T) {
	earlier := filename(5, 100)
	later := filename(123456, 200)
	assert.Less(t, earlier, later)
}

func TestRotateKeepsNewestCheckpoints(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 2)
	assert.NoError(t, err)

	for step := int64(1); step <= 4; step++ {
		assert.NoError(t, m.Save(step, step*10, &fakeSerializer{}))
	}

	names, err := m.List()
	assert.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Equal(t, filename(3, 30), names[0])
	assert.Equal(t, filename(4, 40), names[1])
}

func TestShouldSaveRespectsDecayedInterval(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, 0)
	assert.NoError(t, err)

	assert.False(t, m.ShouldSave(0, 1000))
	m.lastSaveStep = 0
	assert.False(t, m.ShouldSave(500, 1000))
	// At train_step 1000 the decayed interval is 1000 + 0.001*(5000-1000) = 1004.
	assert.True(t, m.ShouldSave(1004, 1000))
}

type fakeSerializer struct{}

func (f *fakeSerializer) SerializerType() string { return "checkpoint_test.fakeSerializer" }

func (f *fakeSerializer) Serialize() ([]byte, error) { return []byte{}, nil }
