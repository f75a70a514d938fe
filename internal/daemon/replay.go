package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/gopacket/pcap"
)

// Inject puts frame on the simulated wire. With a switch the frame enters on
// port (1 when 0) and reaches the EMAC as the host port would deliver it.
func (h *Hardware) Inject(port uint8, frame []byte) bool {
	if port == 0 {
		port = 1
	}
	switch {
	case h.Switch != nil && h.EMAC != nil:
		return h.EMAC.Inject(h.Switch.Ingress(port, frame))
	case h.Switch != nil:
		h.Switch.Ingress(port, frame)
		return true
	case h.EMAC != nil:
		return h.EMAC.Inject(frame)
	case h.W5100S != nil:
		return h.W5100S.Inject(frame)
	}
	return false
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Injected int
	Dropped  int
}

// Replay injects every frame of a pcap file into hw. With realtime it waits
// out the gaps between capture timestamps.
func Replay(ctx context.Context, path string, port uint8, realtime bool, hw *Hardware) (ReplayStats, error) {
	var st ReplayStats
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return st, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	defer handle.Close()

	var last time.Time
	for {
		data, ci, err := handle.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("failed to read packet: %w", err)
		}

		if realtime && !last.IsZero() {
			if gap := ci.Timestamp.Sub(last); gap > 0 {
				select {
				case <-ctx.Done():
					return st, ctx.Err()
				case <-time.After(gap):
				}
			}
		}
		last = ci.Timestamp
		if err := ctx.Err(); err != nil {
			return st, err
		}

		if hw.Inject(port, data) {
			st.Injected++
		} else {
			st.Dropped++
		}
	}
}

func (d *Daemon) startReplay() {
	r := d.config.Transport.Replay
	if r.File == "" || d.board.Sim == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		st, err := Replay(d.ctx, r.File, r.Port, r.Realtime, d.board.Sim)
		if err != nil && d.ctx.Err() == nil {
			slog.Error("replay failed", "file", r.File, "error", err)
			return
		}
		slog.Info("replay finished", "file", r.File, "injected", st.Injected, "dropped", st.Dropped)
	}()
}
