// Package manager runs the capture analysis pipeline: raw packets in,
// parsed packet records out to a set of sinks.
package manager

import (
	"sync"

	"github.com/google/gopacket"
	"github.com/prologueii14/pqctls/internal/engine/protocol"
	"github.com/prologueii14/pqctls/internal/model"
	"github.com/rs/zerolog"
)

// Sink consumes packets. info is nil for frames that could not be parsed.
// Sinks are called one at a time and need no locking of their own.
type Sink interface {
	Observe(packet gopacket.Packet, info *model.PacketInfo)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(packet gopacket.Packet, info *model.PacketInfo)

func (f SinkFunc) Observe(packet gopacket.Packet, info *model.PacketInfo) { f(packet, info) }

type Options struct {
	Workers    int
	BufferSize int
	// Ordered keeps sinks seeing packets in capture order. It forces a
	// single worker.
	Ordered bool
}

type job struct {
	seq    uint64
	packet gopacket.Packet
}

// Manager parses packets on a worker pool and fans them out to sinks.
// Packets are numbered in arrival order before they reach the workers, and
// the number is carried in PacketInfo.Seq.
type Manager struct {
	sinks  []Sink
	logger zerolog.Logger

	packetChannel chan gopacket.Packet
	jobs          chan job
	numWorkers    int
	workerWg      sync.WaitGroup

	sinkMu    sync.Mutex
	processed int
	malformed int
}

func NewManager(opts Options, logger zerolog.Logger, sinks ...Sink) *Manager {
	workers := opts.Workers
	if workers <= 0 || opts.Ordered {
		workers = 1
	}
	buf := opts.BufferSize
	if buf <= 0 {
		buf = 1024
	}
	return &Manager{
		sinks:         sinks,
		logger:        logger,
		packetChannel: make(chan gopacket.Packet, buf),
		jobs:          make(chan job, buf),
		numWorkers:    workers,
	}
}

// InputChannel is where packets are fed. Closing it lets Stop return.
func (m *Manager) InputChannel() chan<- gopacket.Packet {
	return m.packetChannel
}

// Start launches the sequencer and the workers.
func (m *Manager) Start() {
	m.workerWg.Add(m.numWorkers)
	for i := 0; i < m.numWorkers; i++ {
		go m.worker()
	}
	go m.sequence()
	m.logger.Debug().Int("workers", m.numWorkers).Msg("analysis pipeline started")
}

func (m *Manager) sequence() {
	defer close(m.jobs)
	var seq uint64
	for packet := range m.packetChannel {
		seq++
		m.jobs <- job{seq: seq, packet: packet}
	}
}

func (m *Manager) worker() {
	defer m.workerWg.Done()
	for j := range m.jobs {
		packet := j.packet
		info, err := protocol.ParsePacket(packet)
		if err != nil {
			info = nil
		} else {
			info.Seq = j.seq
		}

		m.sinkMu.Lock()
		m.processed++
		if info == nil {
			m.malformed++
		}
		for _, s := range m.sinks {
			s.Observe(packet, info)
		}
		m.sinkMu.Unlock()
	}
}

// Stop waits for the workers to drain the input channel, which the
// producer must have closed.
func (m *Manager) Stop() {
	m.workerWg.Wait()
	m.logger.Debug().Int("packets", m.processed).Int("malformed", m.malformed).Msg("analysis pipeline drained")
}

// Counts returns the packets processed and the number that failed to parse.
func (m *Manager) Counts() (processed, malformed int) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	return m.processed, m.malformed
}
