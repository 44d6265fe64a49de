package hdcp

import (
	"crypto/sha1" //nolint:gosec // G505: SHA-1 is mandated by HDCP 1.x for V'.
	"encoding/binary"
	"fmt"
	"hash"
)

func newVHash() hash.Hash { return sha1.New() } //nolint:gosec // see import.

// writeVTail appends BSTATUS (2 bytes) and Mo (8 bytes), both little endian.
func writeVTail(h hash.Hash, info RepeaterInfo, mo uint64) {
	var tail [BstatusSize + 8]byte
	binary.LittleEndian.PutUint16(tail[:BstatusSize], uint16(info))
	binary.LittleEndian.PutUint64(tail[BstatusSize:], mo)
	h.Write(tail[:])
}

// validateKsvList streams the KSV FIFO through SHA-1, compares the digest
// with V' and checks every downstream KSV. Read failures are counted by
// the caller through the returned error.
func (t *Transmitter) validateKsvList(info RepeaterInfo) ([]Ksv, error) {
	count := info.DeviceCount()
	ksvs := make([]Ksv, 0, count)
	h := newVHash()

	buf := make([]byte, ksvFifoChunk)
	for remaining := count * KsvSize; remaining > 0; {
		chunk := buf[:min(remaining, len(buf))]
		if err := t.readReg(RegKsvFifo, chunk); err != nil {
			return nil, err
		}
		h.Write(chunk)
		for off := 0; off < len(chunk); off += KsvSize {
			ksvs = append(ksvs, KsvFromBytes(chunk[off:off+KsvSize]))
		}
		remaining -= len(chunk)
	}

	writeVTail(h, info, t.cipher.Mo())
	sum := h.Sum(nil)

	word := make([]byte, VWordSize)
	for i := range VSize / VWordSize {
		if err := t.readReg(RegVH0+uint8(i*VWordSize), word); err != nil {
			return nil, err
		}
		remote := binary.LittleEndian.Uint32(word)
		local := binary.BigEndian.Uint32(sum[i*VWordSize:])
		if remote != local {
			return nil, fmt.Errorf("%w: H%d remote=%08x local=%08x", errVMismatch, i, remote, local)
		}
	}

	for _, k := range ksvs {
		if !k.IsValid() {
			return nil, fmt.Errorf("%w: %s", errDownstreamKsv, k)
		}
		if t.platform.IsKsvRevoked(k) {
			return nil, fmt.Errorf("%w: %s", errDownstreamRvkd, k)
		}
	}

	return ksvs, nil
}
