package pcapfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/core"
)

func frame(etherType uint16, n int) []byte {
	f := make([]byte, n)
	copy(f, core.BroadcastMAC[:])
	f[12], f[13] = byte(etherType>>8), byte(etherType)
	return f
}

func TestWritesReadablePcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rx.pcap")
	s, err := New(Options{Device: "eth0", Path: path, SnapLen: 100, EtherTypes: []uint16{0x0806, 0x0800}})
	require.NoError(t, err)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return ts }

	s.DeliverReceivedFrame(frame(0x0806, 60), core.RxMeta{})
	s.DeliverReceivedFrame(frame(0x86DD, 80), core.RxMeta{})
	s.DeliverReceivedFrame(frame(0x0800, 300), core.RxMeta{Port: 2})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	written, filtered, failed := s.Stats()
	assert.Equal(t, uint64(2), written)
	assert.Equal(t, uint64(1), filtered)
	assert.Zero(t, failed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	assert.Equal(t, uint32(100), r.Snaplen())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 60)
	assert.True(t, ci.Timestamp.Equal(ts))

	data, ci, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 100)
	assert.Equal(t, 300, ci.Length)
}

func TestFramesAfterCloseFail(t *testing.T) {
	s, err := New(Options{Path: filepath.Join(t.TempDir(), "rx.pcap")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s.DeliverReceivedFrame(frame(0x0800, 64), core.RxMeta{})
	_, _, failed := s.Stats()
	assert.Equal(t, uint64(1), failed)
}

func TestNewRejects(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Options{Path: filepath.Join(t.TempDir(), "x.pcap"), Expression: "arp", EtherTypes: []uint16{1}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Options{Path: filepath.Join(t.TempDir(), "missing", "x.pcap")})
	assert.Error(t, err)
}
