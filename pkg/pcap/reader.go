package pcap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prologueii14/pqctls/internal/engine/protocol"
	"github.com/prologueii14/pqctls/internal/model"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// Reader reads packets from a pcap or pcapng file.
type Reader struct {
	file     *os.File
	src      packetDataSource
	linkType layers.LinkType
}

// NewReader opens filePath and picks the pcap or pcapng decoder from the
// file's magic number.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	r, err := newReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture header of %s: %w", filePath, err)
	}
	r.file = f
	return r, nil
}

func newReader(in io.Reader) (*Reader, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}

	var src packetDataSource
	if bytes.Equal(magic, pcapngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, linkType: src.LinkType()}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// LinkType returns the capture's link layer type.
func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

// Next returns the next decoded packet, or io.EOF at the end of the capture.
// A truncated trailing record also ends the capture.
func (r *Reader) Next() (gopacket.Packet, error) {
	data, ci, err := r.src.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	packet := gopacket.NewPacket(data, r.linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	packet.Metadata().CaptureInfo = ci
	return packet, nil
}

// ReadPackets reads all packets from the capture and sends the parsed
// PacketInfo to the provided channel. It closes the channel when done and
// returns the first read error other than io.EOF.
func (r *Reader) ReadPackets(out chan<- *model.PacketInfo) error {
	defer close(out)
	var seq uint64
	for {
		packet, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		seq++
		info, err := protocol.ParsePacket(packet)
		if err != nil {
			continue
		}
		info.Seq = seq
		out <- info
	}
}

// ReadRawPackets sends every decoded packet to out without parsing it and
// closes out when done.
func (r *Reader) ReadRawPackets(out chan<- gopacket.Packet) error {
	defer close(out)
	for {
		packet, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet: %w", err)
		}
		out <- packet
	}
}

// ReadAll parses every packet in capture order.
func (r *Reader) ReadAll() ([]*model.PacketInfo, error) {
	var packets []*model.PacketInfo
	var seq uint64
	for {
		packet, err := r.Next()
		if err == io.EOF {
			return packets, nil
		}
		if err != nil {
			return packets, fmt.Errorf("failed to read packet: %w", err)
		}
		seq++
		info, err := protocol.ParsePacket(packet)
		if err != nil {
			continue
		}
		info.Seq = seq
		packets = append(packets, info)
	}
}

// ReadFile is a convenience wrapper around NewReader and ReadAll.
func ReadFile(filePath string) ([]*model.PacketInfo, error) {
	r, err := NewReader(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}
