package pcap

import (
	"context"
	"fmt"
	"io"
	"time"

	gpcap "github.com/google/gopacket/pcap"
	"github.com/rs/zerolog"
)

const (
	liveSnapLen     int32 = 1600
	livePromiscuous       = true
	liveReadTimeout       = 500 * time.Millisecond
)

// CaptureOptions configures a live capture.
type CaptureOptions struct {
	Interface  string
	BPFFilter  string
	MaxPackets int
}

// CapturePort returns a BPF filter matching TCP and UDP traffic on port.
func CapturePort(port int) string {
	return fmt.Sprintf("tcp port %d or udp port %d", port, port)
}

// Capture copies frames from a live interface into out as a pcap stream
// until ctx is done or MaxPackets frames have been written (0 means no
// limit). It returns the number of frames written.
func Capture(ctx context.Context, opts CaptureOptions, out io.Writer, logger zerolog.Logger) (int, error) {
	handle, err := gpcap.OpenLive(opts.Interface, liveSnapLen, livePromiscuous, liveReadTimeout)
	if err != nil {
		return 0, fmt.Errorf("error opening device %s: %w", opts.Interface, err)
	}
	defer handle.Close()

	if opts.BPFFilter != "" {
		if err := handle.SetBPFFilter(opts.BPFFilter); err != nil {
			return 0, fmt.Errorf("invalid bpf filter %q: %w", opts.BPFFilter, err)
		}
	}

	w, err := NewStreamWriter(out, handle.LinkType())
	if err != nil {
		return 0, err
	}

	logger.Info().Str("iface", opts.Interface).Str("filter", opts.BPFFilter).Msg("capture started")

	written := 0
	for {
		select {
		case <-ctx.Done():
			return written, nil
		default:
		}

		data, ci, err := handle.ReadPacketData()
		if err == gpcap.NextErrorTimeoutExpired {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("failed to read from %s: %w", opts.Interface, err)
		}
		if err := w.WritePacket(ci, data); err != nil {
			return written, err
		}
		written++
		if written%1000 == 0 {
			logger.Debug().Int("packets", written).Msg("capture progress")
		}
		if opts.MaxPackets > 0 && written >= opts.MaxPackets {
			return written, nil
		}
	}
}
