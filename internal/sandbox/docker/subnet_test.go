package docker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghanishpatil/hackwars-engine/internal/sandbox"
)

func TestAllocateInOrder(t *testing.T) {
	p := NewSubnetPool()

	for want := 1; want <= 5; want++ {
		octet, subnet, err := p.Allocate()
		require.NoError(t, err)
		assert.Equal(t, want, octet)
		assert.Equal(t, fmt.Sprintf("172.20.%d.0/24", want), subnet)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := NewSubnetPool()

	for i := 1; i <= 254; i++ {
		_, _, err := p.Allocate()
		require.NoError(t, err)
	}

	_, _, err := p.Allocate()
	assert.ErrorIs(t, err, sandbox.ErrSubnetExhausted)
}

func TestReleaseThenReallocate(t *testing.T) {
	p := NewSubnetPool()

	for i := 1; i <= 254; i++ {
		_, _, err := p.Allocate()
		require.NoError(t, err)
	}

	p.Release(42)
	octet, subnet, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 42, octet)
	assert.Equal(t, "172.20.42.0/24", subnet)
}

func TestReleaseOutOfRangeIsHarmless(t *testing.T) {
	p := NewSubnetPool()
	p.Release(0)
	p.Release(255)
	p.Release(-1)

	octet, _, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 1, octet)
}

func TestReserveSkipsOctet(t *testing.T) {
	p := NewSubnetPool()
	p.Reserve(1)
	p.Reserve(2)

	octet, _, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 3, octet)
}

func TestOctetOf(t *testing.T) {
	assert.Equal(t, 7, OctetOf("172.20.7.0/24"))
	assert.Equal(t, 254, OctetOf("172.20.254.0/24"))
	assert.Equal(t, 0, OctetOf("172.20.255.0/24"))
	assert.Equal(t, 0, OctetOf("10.0.1.0/24"))
	assert.Equal(t, 0, OctetOf("172.20.1.0/16"))
	assert.Equal(t, 0, OctetOf(""))
}
