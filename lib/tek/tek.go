// Package tek decodes the binary trace blocks analyzers return over GPIB:
// the checksummed count block used by Tektronix and several HP dialects,
// and the IEEE 488.2 definite-length block used by SCPI instruments.
package tek

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/gotmc/phasenoise"
)

// BlockReader supplies exactly n bytes of a pending response.
type BlockReader interface {
	ReadBinary(n int) ([]byte, error)
}

// Unpack unpacks a complete in-memory count block
//
// 3 bytes: hdr, count hi, count low
// data bytes
// checksum,semicolon
//
// The count covers the data and the checksum byte.
func Unpack(pack []byte) ([]byte, error) {
	if len(pack) < 5 {
		return nil, fmt.Errorf("%w: %d bytes", phasenoise.ErrBlockLength, len(pack))
	}
	if pack[0] != '%' {
		return nil, fmt.Errorf("%w: invalid header: want %% got %q", phasenoise.ErrBlockFormat, pack[0])
	}
	count := int(pack[1])<<8 | int(pack[2])
	if len(pack) != count+4 {
		return nil, fmt.Errorf("%w: expect %d, got %d", phasenoise.ErrBlockLength, count+4, len(pack))
	}
	if end := pack[len(pack)-1]; end != ';' {
		return nil, fmt.Errorf("%w: invalid trailer: expect ; got %q", phasenoise.ErrBlockFormat, end)
	}
	dataEnd := len(pack) - 2
	if err := checksum(pack[1:dataEnd], pack[dataEnd]); err != nil {
		return nil, err
	}
	return pack[3:dataEnd], nil
}

// ReadCountBlock reads a count block from r. When framed is set the block
// starts with '%' and ends with ';'. want, when positive, is the expected
// number of data bytes.
func ReadCountBlock(r BlockReader, framed bool, want int) ([]byte, error) {
	if framed {
		b, err := r.ReadBinary(1)
		if err != nil {
			return nil, err
		}
		if b[0] != '%' {
			return nil, fmt.Errorf("%w: invalid header: want %% got %q", phasenoise.ErrBlockFormat, b[0])
		}
	}
	hdr, err := r.ReadBinary(2)
	if err != nil {
		return nil, err
	}
	count := int(hdr[0])<<8 | int(hdr[1])
	if count < 1 || (want > 0 && count != want+1) {
		return nil, fmt.Errorf("%w: count %d for %d data bytes", phasenoise.ErrBlockLength, count, want)
	}
	body, err := r.ReadBinary(count)
	if err != nil {
		return nil, err
	}
	data := body[:count-1]
	sum := append([]byte{hdr[0], hdr[1]}, data...)
	if err := checksum(sum, body[count-1]); err != nil {
		return nil, err
	}
	if framed {
		b, err := r.ReadBinary(1)
		if err != nil {
			return nil, err
		}
		if b[0] != ';' {
			return nil, fmt.Errorf("%w: invalid trailer: expect ; got %q", phasenoise.ErrBlockFormat, b[0])
		}
	}
	return data, nil
}

// 8-bit, 2's complement number that is modulo-256 sum of preceding bytes
func checksum(data []byte, expect byte) error {
	var s = int(expect)
	for _, c := range data {
		s += int(c)
	}
	if s&0xff != 0 {
		return fmt.Errorf("%w: %#02x", phasenoise.ErrChecksum, s&0xff)
	}
	return nil
}

// Checksum returns the byte that completes a count block over data.
func Checksum(data []byte) byte {
	count := len(data) + 1
	s := count>>8 + count&0xff
	for _, c := range data {
		s += int(c)
	}
	return byte(-s)
}

// Pack builds a count block around data, framed with '%' and ';' if asked.
func Pack(data []byte, framed bool) []byte {
	count := len(data) + 1
	out := make([]byte, 0, count+4)
	if framed {
		out = append(out, '%')
	}
	out = append(out, byte(count>>8), byte(count))
	out = append(out, data...)
	out = append(out, Checksum(data))
	if framed {
		out = append(out, ';')
	}
	return out
}

// ReadDefiniteBlock reads an IEEE 488.2 definite-length block,
// "#<n><n digits of length><data>".
func ReadDefiniteBlock(r BlockReader) ([]byte, error) {
	b, err := r.ReadBinary(2)
	if err != nil {
		return nil, err
	}
	if b[0] != '#' || b[1] < '1' || b[1] > '9' {
		return nil, fmt.Errorf("%w: definite block header %q", phasenoise.ErrBlockFormat, b)
	}
	digits, err := r.ReadBinary(int(b[1] - '0'))
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, fmt.Errorf("%w: definite block length %q", phasenoise.ErrBlockFormat, digits)
	}
	return r.ReadBinary(n)
}

// DefiniteBlock frames data as an IEEE 488.2 definite-length block.
func DefiniteBlock(data []byte) []byte {
	n := strconv.Itoa(len(data))
	out := append([]byte{'#', byte('0' + len(n))}, n...)
	return append(out, data...)
}

// Words decodes 16-bit words in the given byte order.
func Words(data []byte, order binary.ByteOrder) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd word data length %d", phasenoise.ErrBlockLength, len(data))
	}
	words := make([]uint16, len(data)/2)
	for i := range words {
		words[i] = order.Uint16(data[2*i:])
	}
	return words, nil
}

// Floats decodes IEEE-754 single precision samples.
func Floats(data []byte, order binary.ByteOrder) ([]float64, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: float data length %d", phasenoise.ErrBlockLength, len(data))
	}
	out := make([]float64, len(data)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(order.Uint32(data[4*i:])))
	}
	return out, nil
}
