package chunkid_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/pakio/internal/chunkid"
)

func TestFromPathStable(t *testing.T) {
	a := chunkid.FromPath("Game/Textures/rock.ubulk")
	b := chunkid.FromPath("game\\textures\\ROCK.ubulk")
	assert.Equal(t, a, b, "path normalization should fold slashes and case")
	assert.True(t, a.IsValid())

	c := chunkid.FromPath("Game/Textures/moss.ubulk")
	assert.NotEqual(t, a, c)
}

func TestParseRoundTrip(t *testing.T) {
	id := chunkid.FromPath("some/asset.bin")
	parsed, err := chunkid.Parse(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = chunkid.Parse("deadbeef")
	assert.Error(t, err, "short hex must not parse")

	_, err = chunkid.Parse("zz0102030405060708090a0b")
	assert.Error(t, err)
}

func TestInvalid(t *testing.T) {
	var zero chunkid.ChunkID
	assert.False(t, zero.IsValid())
	assert.Equal(t, chunkid.Invalid, zero)
}

func TestFilenameHashMatchesIDTail(t *testing.T) {
	path := "maps/level01.umap"
	id := chunkid.FromPath(path)
	fh := chunkid.FilenameHash(path)
	got := uint32(id[8]) | uint32(id[9])<<8 | uint32(id[10])<<16 | uint32(id[11])<<24
	assert.Equal(t, fh, got)
}
