package revocation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dantte-lp/gohdcp/internal/hdcp"
)

// SRM layout constants (HDCP 1.x, first generation).
const (
	srmID          = 0x8
	srmHeaderSize  = 5
	vrlLengthSize  = 3
	srmSigSize     = 40
	srmDeviceMask  = 0x7F
	srmMinVrlBytes = vrlLengthSize + srmSigSize
)

// SRM errors.
var (
	ErrSRMTruncated = errors.New("SRM truncated")
	ErrSRMHeader    = errors.New("SRM header invalid")
	ErrSRMLength    = errors.New("SRM vector revocation list length invalid")
)

// SRM is a decoded System Renewability Message. The DCP signature is kept
// but not verified.
type SRM struct {
	Version    uint16
	Generation uint8
	Ksvs       []hdcp.Ksv
	Signature  []byte
}

// ParseSRM decodes a first-generation SRM:
//
//	byte 0     SRM ID (high nibble, 0x8)
//	byte 1     reserved
//	bytes 2-3  version, big endian
//	byte 4     generation
//	bytes 5-7  VRL length, big endian, counting itself and the signature
//	records    one byte device count (low 7 bits) then count KSVs
//	40 bytes   DCP signature
func ParseSRM(data []byte) (*SRM, error) {
	if len(data) < srmHeaderSize+srmMinVrlBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrSRMTruncated, len(data))
	}
	if data[0]>>4 != srmID {
		return nil, fmt.Errorf("%w: id 0x%x", ErrSRMHeader, data[0]>>4)
	}

	srm := &SRM{
		Version:    binary.BigEndian.Uint16(data[2:4]),
		Generation: data[4],
	}

	vrl := data[srmHeaderSize:]
	length := int(vrl[0])<<16 | int(vrl[1])<<8 | int(vrl[2])
	if length < srmMinVrlBytes || length > len(vrl) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrSRMLength, length, len(vrl))
	}

	records := vrl[vrlLengthSize : length-srmSigSize]
	srm.Signature = append([]byte(nil), vrl[length-srmSigSize:length]...)

	for len(records) > 0 {
		n := int(records[0] & srmDeviceMask)
		records = records[1:]
		if len(records) < n*hdcp.KsvSize {
			return nil, fmt.Errorf("%w: record of %d KSVs", ErrSRMTruncated, n)
		}
		for range n {
			srm.Ksvs = append(srm.Ksvs, ksvFromBigEndian(records[:hdcp.KsvSize]))
			records = records[hdcp.KsvSize:]
		}
	}

	return srm, nil
}

// LoadSRMFile reads and decodes an SRM file.
func LoadSRMFile(path string) (*SRM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read SRM %s: %w", path, err)
	}
	srm, err := ParseSRM(data)
	if err != nil {
		return nil, fmt.Errorf("SRM %s: %w", path, err)
	}
	return srm, nil
}

// ksvFromBigEndian decodes a KSV stored most significant byte first, as in
// SRM vector revocation lists.
func ksvFromBigEndian(b []byte) hdcp.Ksv {
	var k uint64
	for _, v := range b[:hdcp.KsvSize] {
		k = k<<8 | uint64(v)
	}
	return hdcp.Ksv(k)
}

// AppendSRM encodes srm in the layout read by ParseSRM. Records are split
// at 127 KSVs. A missing signature is zero filled.
func AppendSRM(dst []byte, srm *SRM) []byte {
	var records []byte
	for ksvs := srm.Ksvs; len(ksvs) > 0; {
		n := min(len(ksvs), srmDeviceMask)
		records = append(records, byte(n))
		for _, k := range ksvs[:n] {
			for i := hdcp.KsvSize - 1; i >= 0; i-- {
				records = append(records, byte(uint64(k)>>(8*i)))
			}
		}
		ksvs = ksvs[n:]
	}

	length := vrlLengthSize + len(records) + srmSigSize
	dst = append(dst, srmID<<4, 0)
	dst = binary.BigEndian.AppendUint16(dst, srm.Version)
	dst = append(dst, srm.Generation, byte(length>>16), byte(length>>8), byte(length))
	dst = append(dst, records...)

	sig := make([]byte, srmSigSize)
	copy(sig, srm.Signature)
	return append(dst, sig...)
}
