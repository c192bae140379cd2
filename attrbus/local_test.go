package attrbus

import (
	"context"
	"testing"

	"github.com/apbridge/bootid/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusWriteRead(t *testing.T) {
	bus := NewLocalBus(nil)
	ctx := context.Background()

	_, ok := bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	assert.False(t, ok, "unwritten slot must read as absent")

	require.NoError(t, bus.WriteAttribute(ctx, interfaces.EndpointIDLowAttr, 0xdeadbeef, 0, interfaces.AttrLocal))
	require.NoError(t, bus.WriteAttribute(ctx, interfaces.EndpointIDHighAttr, 0x0badf00d, 0, interfaces.AttrLocal))

	low, ok := bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	assert.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), low)

	high, ok := bus.ReadAttribute(interfaces.EndpointIDHighAttr)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x0badf00d), high)

	assert.Equal(t, 2, bus.WriteCount())

	// Slots are plain registers; rewriting is allowed and last write wins.
	require.NoError(t, bus.WriteAttribute(ctx, interfaces.EndpointIDLowAttr, 1, 0, interfaces.AttrLocal))
	low, _ = bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	assert.Equal(t, uint32(1), low)
	assert.Equal(t, 2, bus.WriteCount())
}

func TestFaultInjector(t *testing.T) {
	bus := NewLocalBus(nil)
	faulty := &FaultInjector{Bus: bus, FailOn: 2}
	ctx := context.Background()

	require.NoError(t, faulty.WriteAttribute(ctx, interfaces.EndpointIDLowAttr, 7, 0, interfaces.AttrLocal))
	err := faulty.WriteAttribute(ctx, interfaces.EndpointIDHighAttr, 8, 0, interfaces.AttrLocal)
	require.Error(t, err)

	// The first write stays in place; the faulted one never lands.
	low, ok := bus.ReadAttribute(interfaces.EndpointIDLowAttr)
	assert.True(t, ok)
	assert.Equal(t, uint32(7), low)

	_, ok = bus.ReadAttribute(interfaces.EndpointIDHighAttr)
	assert.False(t, ok)

	assert.Equal(t, 2, faulty.Writes())
}
