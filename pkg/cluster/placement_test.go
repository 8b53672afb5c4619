package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestPlacementOwner(t *testing.T) {
	p := NewPlacement(nil)
	id := uuid.New()

	_, err := p.Owner(id)
	require.ErrorIs(t, err, ErrNoImporters)

	p.UpdateRing(NewHashRing(16))
	_, err = p.Owner(id)
	require.ErrorIs(t, err, ErrNoImporters)

	p.UpdateRing(makeRing(3, 64))
	owner, err := p.Owner(id)
	require.NoError(t, err)
	require.Contains(t, p.Importers(), owner)

	// stable for the same engine
	again, err := p.Owner(id)
	require.NoError(t, err)
	require.Equal(t, owner, again)
}

func TestNewRingFromImporters(t *testing.T) {
	ring := newRing([]string{"b:1", "a:1"}, 8)
	require.Equal(t, []string{"a:1", "b:1"}, ring.ListNodes())
}
