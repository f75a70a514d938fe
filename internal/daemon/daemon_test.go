package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ethctl/internal/config"
	"firestige.xyz/ethctl/internal/control"
	"firestige.xyz/ethctl/internal/core"
)

var up100 = core.LinkState{Up: true, Speed: core.Speed100, Duplex: core.DuplexFull}

type link struct {
	port  uint8
	state core.LinkState
}

type recordingSink struct {
	mu      sync.Mutex
	links   []link
	frames  [][]byte
	metas   []core.RxMeta
	ready   int
	started bool
	closed  bool
}

func (s *recordingSink) NotifyLinkChange(port uint8, st core.LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, link{port, st})
}

func (s *recordingSink) DeliverReceivedFrame(frame []byte, meta core.RxMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	s.metas = append(s.metas, meta)
}

func (s *recordingSink) SignalTransmitReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready++
}

func (s *recordingSink) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() (links []link, frames [][]byte, ready int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]link(nil), s.links...), append([][]byte(nil), s.frames...), s.ready
}

func testConfig(t *testing.T, chip string) *config.GlobalConfig {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Device.Chip = chip
	cfg.Device.TickInterval = 5 * time.Millisecond
	cfg.Poll.Interval = 0
	cfg.Metrics.Enabled = false
	return cfg
}

func startDaemon(t *testing.T, cfg *config.GlobalConfig) (*Daemon, *recordingSink) {
	t.Helper()
	rec := &recordingSink{}
	d := NewWithConfig(cfg, "", WithSink(rec), WithoutLogInit())
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d, rec
}

func broadcastFrame(n int) []byte {
	f := make([]byte, n)
	copy(f, core.BroadcastMAC[:])
	copy(f[6:], []byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee})
	f[12], f[13] = 0x08, 0x06
	return f
}

func TestEMACWithPHYBoard(t *testing.T) {
	d, rec := startDaemon(t, testConfig(t, config.ChipEMACLAN8720))
	b := d.Board()
	require.NotNil(t, b.Sim)
	require.NotNil(t, b.Sim.EMAC)
	require.NotNil(t, b.Sim.PHY)
	assert.True(t, b.Device.Ready())
	assert.True(t, rec.started)

	require.Eventually(t, func() bool {
		links, _, ready := rec.snapshot()
		return ready >= 1 && len(links) == 1
	}, time.Second, time.Millisecond)
	links, _, _ := rec.snapshot()
	assert.Equal(t, link{0, up100}, links[0])

	frame := broadcastFrame(64)
	require.True(t, b.Sim.EMAC.Inject(frame))
	require.Eventually(t, func() bool {
		_, frames, _ := rec.snapshot()
		return len(frames) == 1
	}, time.Second, time.Millisecond)
	_, frames, _ := rec.snapshot()
	assert.Equal(t, frame, frames[0])

	b.Sim.PHY.SetLink(core.LinkState{})
	require.Eventually(t, func() bool {
		links, _, _ := rec.snapshot()
		return len(links) == 2 && !links[1].state.Up
	}, time.Second, time.Millisecond)

	d.Stop()
	assert.True(t, rec.closed)
}

func TestFilterAddressesProgrammed(t *testing.T) {
	cfg := testConfig(t, config.ChipEMACLAN8720)
	mdns := core.MustParseMAC("01:00:5e:00:00:fb")
	cfg.Filter.Addresses = []string{mdns.String()}
	d, _ := startDaemon(t, cfg)

	hw := d.Board().Sim.EMAC
	assert.True(t, hw.Accepts(mdns))
	assert.True(t, hw.Accepts(cfg.Device.StationMAC))
	assert.False(t, hw.Accepts(core.MustParseMAC("01:00:5e:00:00:01")))
}

func TestSwitchBoard(t *testing.T) {
	cfg := testConfig(t, config.ChipEMACKSZ9477)
	cfg.Switch.TailTagging = true
	cfg.Switch.PortStates = []string{"", "forwarding", "", "", "disabled"}
	d, rec := startDaemon(t, cfg)

	sw, ok := d.Board().Device.Switch()
	require.True(t, ok)
	st, err := sw.PortState(2)
	require.NoError(t, err)
	assert.Equal(t, core.PortStateForwarding, st)
	st, err = sw.PortState(5)
	require.NoError(t, err)
	assert.Equal(t, core.PortStateDisabled, st)
	st, err = sw.PortState(1)
	require.NoError(t, err)
	assert.Equal(t, core.PortStateListening, st)

	require.Eventually(t, func() bool {
		links, _, _ := rec.snapshot()
		return len(links) == 5
	}, time.Second, time.Millisecond)
	links, _, _ := rec.snapshot()
	for i, l := range links {
		assert.Equal(t, link{uint8(i + 1), up100}, l)
	}

	entry := core.FdbEntry{MAC: core.MustParseMAC("00:11:22:33:44:66"), DestPorts: 0x02}
	require.NoError(t, sw.AddStaticEntry(entry))
	entries, err := sw.ListStaticEntries()
	require.NoError(t, err)
	assert.Equal(t, []core.FdbEntry{entry}, entries)

	hw := d.Board().Sim
	tagged := hw.Switch.Ingress(3, broadcastFrame(60))
	require.True(t, hw.EMAC.Inject(tagged))
	require.Eventually(t, func() bool {
		_, frames, _ := rec.snapshot()
		return len(frames) == 1
	}, time.Second, time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, core.RxMeta{Port: 3}, rec.metas[0])
	rec.mu.Unlock()
}

func TestW5100SBoard(t *testing.T) {
	d, rec := startDaemon(t, testConfig(t, config.ChipW5100S))
	hw := d.Board().Sim
	require.NotNil(t, hw.W5100S)
	assert.Nil(t, hw.EMAC)

	require.Eventually(t, func() bool {
		links, _, _ := rec.snapshot()
		return len(links) == 1
	}, time.Second, time.Millisecond)

	frame := broadcastFrame(80)
	require.True(t, hw.W5100S.Inject(frame))
	require.Eventually(t, func() bool {
		_, frames, _ := rec.snapshot()
		return len(frames) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Board().Device.Transmit(broadcastFrame(60), core.TxMeta{}))
	require.Len(t, hw.W5100S.Sent(), 1)
}

func TestManagementOnlySwitch(t *testing.T) {
	d, rec := startDaemon(t, testConfig(t, config.ChipKSZ9477))
	b := d.Board()
	assert.Nil(t, b.Sim.EMAC)
	require.NotNil(t, b.Sim.Switch)

	assert.ErrorIs(t, b.Device.Transmit(broadcastFrame(60), core.TxMeta{}), core.ErrUnsupported)
	require.Eventually(t, func() bool {
		links, _, _ := rec.snapshot()
		return len(links) == 5
	}, time.Second, time.Millisecond)
	_, _, ready := rec.snapshot()
	assert.Zero(t, ready)
}

func TestStartFailsOnUnknownChipOption(t *testing.T) {
	cfg := testConfig(t, config.ChipEMACLAN8720)
	cfg.Device.Options = map[string]any{"phy_adr": 1}
	d := NewWithConfig(cfg, "", WithSink(&recordingSink{}), WithoutLogInit())
	err := d.Start()
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	d.Stop()
}

func TestStartRejectsPHYAddrOutOfRange(t *testing.T) {
	cfg := testConfig(t, config.ChipEMACLAN8720)
	cfg.Device.Options = map[string]any{"phy_addr": 40}
	d := NewWithConfig(cfg, "", WithSink(&recordingSink{}), WithoutLogInit())
	assert.ErrorIs(t, d.Start(), core.ErrConfigInvalid)
	d.Stop()
}

func TestPIDFileAndMetrics(t *testing.T) {
	cfg := testConfig(t, config.ChipEMACLAN8720)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	pidFile := filepath.Join(t.TempDir(), "ethctl.pid")

	rec := &recordingSink{}
	d := NewWithConfig(cfg, pidFile, WithSink(rec), WithoutLogInit())
	require.NoError(t, d.Start())

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))

	resp, err := http.Get("http://" + d.metricsServer.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))

	resp, err = http.Get("http://" + d.metricsServer.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "ethctl_device_state")

	d.Stop()
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestTriggerShutdownEndsRun(t *testing.T) {
	d := NewWithConfig(testConfig(t, config.ChipEMAC), "", WithSink(&recordingSink{}), WithoutLogInit())
	require.NoError(t, d.Start())

	done := make(chan error, 1)
	go func() { done <- d.Run() }()
	d.TriggerShutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after TriggerShutdown")
	}
}

func TestControlSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "ethctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	cfg := testConfig(t, config.ChipEMACKSZ9477)
	cfg.Control.Socket = filepath.Join(dir, "ethctl.sock")
	d := NewWithConfig(cfg, "", WithSink(&recordingSink{}), WithoutLogInit())
	require.NoError(t, d.Start())
	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	c := control.NewClient(cfg.Control.Socket, time.Second)
	require.Eventually(t, func() bool {
		st, err := c.Status(context.Background())
		return err == nil && len(st.Links) == 5 && st.Links[4].Up
	}, 2*time.Second, 5*time.Millisecond)

	entry := core.FdbEntry{MAC: core.MustParseMAC("00:11:22:33:44:77"), DestPorts: 0x04}
	require.NoError(t, c.Switch(context.Background()).AddStaticEntry(entry))
	sw, _ := d.Board().Device.Switch()
	entries, err := sw.ListStaticEntries()
	require.NoError(t, err)
	assert.Equal(t, []core.FdbEntry{entry}, entries)

	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after daemon.shutdown")
	}
	_, err = os.Stat(cfg.Control.Socket)
	assert.True(t, os.IsNotExist(err))
}

func TestReloadAppliesLogSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ethctl.yml")
	require.NoError(t, os.WriteFile(path, []byte("ethctl:\n  metrics:\n    enabled: false\n"), 0o644))

	d, err := New(path, "", WithSink(&recordingSink{}), WithoutLogInit())
	require.NoError(t, err)
	assert.Equal(t, "info", d.config.Log.Level)

	require.NoError(t, os.WriteFile(path, []byte("ethctl:\n  metrics:\n    enabled: false\n  log:\n    level: debug\n"), 0o644))
	require.NoError(t, d.Reload())
	assert.Equal(t, "debug", d.config.Log.Level)

	assert.Error(t, NewWithConfig(testConfig(t, config.ChipEMAC), "").Reload())
}

func TestDecodeChipOptions(t *testing.T) {
	opts, err := DecodeChipOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, ChipOptions{PHYAddr: 1}, opts)

	opts, err = DecodeChipOptions(map[string]any{"phy_addr": 3, "max_rx_burst": "8", "tx_buffer_kb": 4})
	require.NoError(t, err)
	assert.Equal(t, ChipOptions{PHYAddr: 3, MaxRxBurst: 8, TxBufferKB: 4}, opts)

	opts, err = DecodeChipOptions(map[string]any{"phy_addr": 0, "max_rx_burst": 16, "tx_buffer_kb": 8, "rx_buffer_kb": 8})
	require.NoError(t, err)
	assert.Equal(t, ChipOptions{MaxRxBurst: 16, TxBufferKB: 8, RxBufferKB: 8}, opts)

	for _, key := range []string{"rx_ring", "unicast_slots", "host_port"} {
		_, err = DecodeChipOptions(map[string]any{key: 4})
		assert.ErrorIs(t, err, core.ErrConfigInvalid, key)
	}
	_, err = DecodeChipOptions(map[string]any{"phy_addr": 32})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestPortMask(t *testing.T) {
	assert.Zero(t, PortMask(nil))
	assert.Equal(t, core.CPUPortMask|0x05, PortMask([]uint8{0, 1, 3}))
}
