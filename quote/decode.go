package quote

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncated means the buffer is shorter than the layout requires.
	ErrTruncated = errors.New("quote: truncated buffer")

	// ErrUnsupportedVersion means the header declares a version other than 4.
	ErrUnsupportedVersion = errors.New("quote: unsupported quote version")

	// ErrNotTDX means the header declares a TEE type other than TDX.
	ErrNotTDX = errors.New("quote: not a TDX quote")
)

// maxQuoteSize guards against absurd inputs before any slicing happens.
const maxQuoteSize = 1 << 20

// Decode parses a raw TDX v4 quote. The input must be the complete quote;
// decoding is all-or-nothing and a malformed buffer never yields a partial
// result. Decode performs no I/O and is safe for concurrent use.
func Decode(raw []byte) (*Quote, error) {
	if len(raw) < minQuoteSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrTruncated, minQuoteSize, len(raw))
	}
	if len(raw) > maxQuoteSize {
		return nil, fmt.Errorf("quote: buffer too large (%d bytes)", len(raw))
	}

	hdr := Header{
		Version:            binary.LittleEndian.Uint16(raw[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(raw[2:4]),
		TEEType:            binary.LittleEndian.Uint32(raw[4:8]),
		VendorID:           [16]byte(raw[12:28]),
		UserData:           [20]byte(raw[28:48]),
	}
	if hdr.Version != SupportedVersion {
		return nil, fmt.Errorf("%w: got version %d, want %d", ErrUnsupportedVersion, hdr.Version, SupportedVersion)
	}
	if hdr.TEEType != TEETypeTDX {
		return nil, fmt.Errorf("%w: TEE type 0x%x", ErrNotTDX, hdr.TEEType)
	}

	q := &Quote{
		Header:         hdr,
		TEETCBSVN:      [16]byte(raw[48:64]),
		MRSEAM:         [48]byte(raw[64:112]),
		MRSIGNERSEAM:   [48]byte(raw[112:160]),
		SEAMAttributes: binary.LittleEndian.Uint64(raw[160:168]),
		TDAttributes:   binary.LittleEndian.Uint64(raw[168:176]),
		XFAM:           binary.LittleEndian.Uint64(raw[176:184]),
		MRTD:           [48]byte(raw[184:232]),
		MRCONFIGID:     [48]byte(raw[232:280]),
		MROWNER:        [48]byte(raw[280:328]),
		MROWNERCONFIG:  [48]byte(raw[328:376]),
		RTMR: [4][48]byte{
			[48]byte(raw[376:424]),
			[48]byte(raw[424:472]),
			[48]byte(raw[472:520]),
			[48]byte(raw[520:568]),
		},
		ReportData: [64]byte(raw[568:632]),
	}

	sigLen := binary.LittleEndian.Uint32(raw[632:636])
	end := uint64(minQuoteSize) + uint64(sigLen)
	if end > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: signature length %d exceeds remaining %d bytes",
			ErrTruncated, sigLen, len(raw)-minQuoteSize)
	}
	q.Signature = raw[minQuoteSize:end]

	return q, nil
}
