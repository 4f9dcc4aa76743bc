package endpoint

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPayload bounds a single request.
const MaxPayload = 16 << 20

// A request is a 4-byte big-endian length followed by that many bytes.
// The endpoint answers with the 8-byte big-endian count it received.

// WriteRequest sends a payload of size filler bytes.
func WriteRequest(w io.Writer, size int) error {
	if size < 0 || size > MaxPayload {
		return fmt.Errorf("payload size %d out of range", size)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(size))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	_, err := w.Write(make([]byte, size))
	return err
}

// ReadRequest consumes one request and returns the payload length.
func ReadRequest(r io.Reader) (int64, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxPayload {
		return 0, fmt.Errorf("payload size %d exceeds limit", size)
	}
	n, err := io.CopyN(io.Discard, r, int64(size))
	if err != nil {
		return n, err
	}
	return n, nil
}

func writeAck(w io.Writer, n int64) error {
	var ack [8]byte
	binary.BigEndian.PutUint64(ack[:], uint64(n))
	_, err := w.Write(ack[:])
	return err
}

// ReadAck returns the byte count acknowledged by the endpoint.
func ReadAck(r io.Reader) (int64, error) {
	var ack [8]byte
	if _, err := io.ReadFull(r, ack[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(ack[:])), nil
}
