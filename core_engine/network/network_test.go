package network_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pmdrvr/core_engine/network"
)

var _ network.HostNetInterface = (*network.Loopback)(nil)

func TestLoopbackEchoesFrames(t *testing.T) {
	l := network.NewLoopback(4)
	p, err := l.ReadPacket()
	require.NoError(t, err)
	assert.Nil(t, p)

	frame := []byte{1, 2, 3, 4}
	require.NoError(t, l.WritePacket(frame))
	frame[0] = 9 // the queue holds its own copy

	p, err = l.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, p)

	p, err = l.ReadPacket()
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoopbackOrderAndDrops(t *testing.T) {
	l := network.NewLoopback(2)
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, l.WritePacket([]byte{i}))
	}
	written, dropped := l.Stats()
	assert.Equal(t, uint64(3), written)
	assert.Equal(t, uint64(1), dropped)

	a, _ := l.ReadPacket()
	b, _ := l.ReadPacket()
	assert.Equal(t, []byte{1}, a)
	assert.Equal(t, []byte{2}, b)
}

func TestLoopbackRejectsBadFrames(t *testing.T) {
	l := network.NewLoopback(0)
	assert.ErrorIs(t, l.WritePacket(nil), network.ErrFrameSize)
	assert.ErrorIs(t, l.WritePacket(bytes.Repeat([]byte{0}, network.MaxFrameSize+1)), network.ErrFrameSize)
	assert.NoError(t, l.WritePacket(bytes.Repeat([]byte{0}, network.MaxFrameSize)))
}

func TestLoopbackClose(t *testing.T) {
	l := network.NewLoopback(1)
	require.NoError(t, l.Inject([]byte{1}))
	require.NoError(t, l.Close())
	_, err := l.ReadPacket()
	assert.ErrorIs(t, err, network.ErrClosed)
	assert.ErrorIs(t, l.WritePacket([]byte{1}), network.ErrClosed)
}

func TestTapDeviceRequiresPrivileges(t *testing.T) {
	tap, err := network.NewTapDevice("pmdrvr-test0", nil)
	if err != nil {
		t.Skipf("tap unavailable: %v", err)
	}
	defer tap.Close()
	assert.NotEmpty(t, tap.Name())
	p, err := tap.ReadPacket()
	assert.NoError(t, err)
	_ = p
}
