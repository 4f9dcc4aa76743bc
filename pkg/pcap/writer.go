package pcap

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultSnapLen is used for files written by this package.
const DefaultSnapLen = 65536

// Writer writes raw frames to a classic pcap file.
type Writer struct {
	closer io.Closer
	w      *pcapgo.Writer
	count  int
}

// NewWriter creates filePath and writes the pcap file header.
func NewWriter(filePath string, linkType layers.LinkType) (*Writer, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w, err := NewStreamWriter(f, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewStreamWriter writes the pcap header to out. The caller owns out.
func NewStreamWriter(out io.Writer, linkType layers.LinkType) (*Writer, error) {
	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(DefaultSnapLen, linkType); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// WritePacket appends one frame.
func (w *Writer) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	if err := w.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of frames written so far.
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
