// pcapgen writes a synthetic capture of TLS-shaped client/server flows,
// useful for exercising `pqcsim analyze` without a live capture.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/prologueii14/pqctls/pkg/pcap"
)

const mtuPayload = 1448

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	flowCount := flag.Int("flows", 50, "Number of client flows to generate")
	serverPort := flag.Int("port", 443, "Server port")
	maxBytes := flag.Int("max-bytes", 64*1024, "Upper bound on application bytes per flow")
	gap := flag.Duration("gap", 200*time.Millisecond, "Mean gap between flow starts")
	udp := flag.Int("udp", 5, "Number of unrelated UDP packets to mix in")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	server := net.IPv4(10, 0, 0, 1)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	var frames []pcap.Frame
	at := start
	for i := 0; i < *flowCount; i++ {
		client := net.IPv4(10, 0, 1, byte(2+rng.Intn(200)))
		port := uint16(32768 + rng.Intn(28000))
		frames = append(frames, tlsFlow(rng, client, server, port, uint16(*serverPort), at, 1+rng.Intn(*maxBytes))...)
		at = at.Add(time.Duration(rng.Int63n(2*int64(*gap) + 1)))
	}
	for i := 0; i < *udp; i++ {
		frames = append(frames, pcap.Frame{
			Timestamp: start.Add(time.Duration(rng.Int63n(int64(at.Sub(start)) + 1))),
			SrcIP:     net.IPv4(10, 0, 2, 1),
			DstIP:     net.IPv4(10, 0, 2, 2),
			SrcPort:   5353,
			DstPort:   5353,
			UDP:       true,
			Payload:   64 + rng.Intn(200),
		})
	}

	if err := pcap.WriteFrames(*outputFile, frames); err != nil {
		log.Fatalf("Failed to write capture: %v", err)
	}
	log.Printf("Generated %d flows (%d frames) into %s", *flowCount, len(frames), *outputFile)
}

// tlsFlow approximates a hybrid post-quantum TLS 1.3 exchange: a large
// ClientHello carrying the ML-KEM key share, the server's flight, then
// appBytes of client data acknowledged by short server records.
func tlsFlow(rng *rand.Rand, client, server net.IP, cport, sport uint16, at time.Time, appBytes int) []pcap.Frame {
	var out []pcap.Frame
	send := func(fromClient bool, n int) {
		f := pcap.Frame{Timestamp: at, SrcIP: client, DstIP: server, SrcPort: cport, DstPort: sport, Payload: n}
		if !fromClient {
			f.SrcIP, f.DstIP, f.SrcPort, f.DstPort = server, client, sport, cport
		}
		out = append(out, f)
		at = at.Add(time.Duration(200+rng.Intn(800)) * time.Microsecond)
	}

	send(true, 1400+rng.Intn(48))
	send(false, mtuPayload)
	send(false, 800+rng.Intn(600))
	send(true, 80)
	for appBytes > 0 {
		n := min(appBytes, mtuPayload)
		send(true, n)
		appBytes -= n
	}
	send(false, 24)
	return out
}
