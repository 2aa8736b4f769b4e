package emotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	require.NoError(t, r.Validate())
	assert.Equal(t, NumClasses, r.Len())

	name, err := r.Name(3)
	require.NoError(t, err)
	assert.Equal(t, "Happy", name)

	idx, ok := r.Index("Surprise")
	assert.True(t, ok)
	assert.Equal(t, 6, idx)

	_, err = r.Name(7)
	assert.Error(t, err)
}

func TestRegistryValidate(t *testing.T) {
	tests := []struct {
		name    string
		reg     Registry
		wantErr bool
	}{
		{"empty", Registry{}, true},
		{"duplicate", Registry{"Angry", "Angry"}, true},
		{"unsorted", Registry{"Happy", "Angry"}, true},
		{"blank", Registry{"", "Angry"}, true},
		{"ok", Registry{"Angry", "Happy"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestArgmax(t *testing.T) {
	assert.Equal(t, 3, Argmax([]float32{0, 0, 0, 1, 0, 0, 0}))
	assert.Equal(t, 0, Argmax([]float32{0.5, 0.5}))
	assert.Equal(t, 2, Argmax([]float32{0.1, 0.2, 0.7}))
}
