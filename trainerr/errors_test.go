package trainerr

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsKindThroughAnnotations(t *testing.T) {
	err := Wrap(Filesystem, os.ErrPermission, "creating %s", "exp/0")
	require.Error(t, err)

	outer := errors.Wrap(err, "allocating experiment")
	assert.Equal(t, Filesystem, KindOf(outer))
	assert.True(t, Is(outer, Filesystem))
	assert.False(t, Is(outer, Parse))
	assert.True(t, errors.Is(outer, os.ErrPermission))
	assert.Contains(t, outer.Error(), "filesystem error")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Device, nil, "unused"))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, Configuration))
}

func TestNew(t *testing.T) {
	err := New(Configuration, "missing %s", "SEED")
	assert.Equal(t, "configuration error: missing SEED", err.Error())
}
