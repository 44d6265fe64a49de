package hdcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Protocol timing and retry policy.
const (
	// validateRxTimeout is the Ro' settle time after the cipher computations.
	validateRxTimeout = 100 * time.Millisecond

	// waitForReadyTimeout bounds the wait for a repeater to assert READY.
	waitForReadyTimeout = 5 * time.Second

	// encryptionSettle is the delay around cipher encryption programming.
	encryptionSettle = 5 * time.Millisecond

	// maxAttempts applies to Ro', Ri' and KSV list validation. Only the
	// final failed attempt is counted.
	maxAttempts = 3

	// maxStateChain bounds the exit/enter loop of a single dispatch.
	maxStateChain = 16

	// defaultAn is used when the cipher RNG yields zero.
	defaultAn uint64 = 0x0351F7175406A74D
)

// RequestSpinLimit bounds the IsRequestComplete polls spent waiting for an
// RNG request before the key exchange gives up. A cipher must complete
// requests within this many polls.
const RequestSpinLimit = 32

var (
	errShortTransfer  = errors.New("short register transfer")
	errVMismatch      = errors.New("V' mismatch")
	errDownstreamKsv  = errors.New("downstream KSV invalid")
	errDownstreamRvkd = errors.New("downstream KSV revoked")
	errRequestPending = errors.New("cipher request still pending")
)

// readFull reads len(buf) bytes at off.
func readFull(p Port, off uint8, buf []byte) error {
	n, err := p.Read(off, buf)
	if err != nil {
		return fmt.Errorf("read 0x%02x: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("read 0x%02x: %w (%d of %d bytes)", off, errShortTransfer, n, len(buf))
	}
	return nil
}

// writeFull writes buf at off.
func writeFull(p Port, off uint8, buf []byte) error {
	n, err := p.Write(off, buf)
	if err != nil {
		return fmt.Errorf("write 0x%02x: %w", off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("write 0x%02x: %w (%d of %d bytes)", off, errShortTransfer, n, len(buf))
	}
	return nil
}

// SplitAn derives the cipher B register values from An. x and y take 28
// bits each, z takes the top byte with the repeater flag in bit 8.
func SplitAn(an uint64, repeater bool) (x, y, z uint32) {
	x = uint32(an & 0x0FFF_FFFF)
	y = uint32((an >> 28) & 0x0FFF_FFFF)
	z = uint32(an >> 56)
	if repeater {
		z |= 1 << 8
	}
	return x, y, z
}

// generateAn runs an RNG request and returns Mi, or defaultAn when the
// cipher yields zero. A request left over from an aborted attempt is
// polled out first so the RNG request is never refused as busy.
func generateAn(c Cipher) (uint64, error) {
	if !spinRequest(c) {
		return 0, fmt.Errorf("previous request: %w", errRequestPending)
	}
	if err := c.DoRequest(RequestRng); err != nil {
		return 0, fmt.Errorf("rng request: %w", err)
	}
	if !spinRequest(c) {
		return 0, fmt.Errorf("rng request: %w", errRequestPending)
	}

	an := c.Mi()
	if an == 0 {
		an = defaultAn
	}
	return an, nil
}

// spinRequest polls the cipher until its request completes or
// RequestSpinLimit polls have passed.
func spinRequest(c Cipher) bool {
	for range RequestSpinLimit {
		if c.IsRequestComplete() {
			return true
		}
	}
	return false
}

// ComputeV returns the V' digest a repeater publishes for the given KSV
// list, topology word and Mo, laid out as the five V'.Hn registers.
func ComputeV(ksvs []Ksv, info RepeaterInfo, mo uint64) [VSize]byte {
	h := newVHash()
	for _, k := range ksvs {
		h.Write(k.Bytes())
	}
	writeVTail(h, info, mo)

	var sum, out [VSize]byte
	copy(sum[:], h.Sum(nil))
	for i := 0; i < VSize; i += VWordSize {
		binary.LittleEndian.PutUint32(out[i:], binary.BigEndian.Uint32(sum[i:]))
	}
	return out
}
