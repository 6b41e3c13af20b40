// Package quote decodes Intel TDX attestation quotes.
//
// The layout is pinned to version 4 of the quote format (SGX Quote 4 carrying
// an SGX Report 2 / TDREPORT body), as published in Intel's DCAP quoting
// library headers. Quotes of any other version are rejected rather than
// parsed on a guessed layout.
package quote

import (
	"encoding/hex"
)

const (
	// TEETypeTDX is the TEE type value in the quote header for TDX quotes.
	TEETypeTDX = 0x81

	// SupportedVersion is the only quote format version this decoder accepts.
	SupportedVersion = 4

	headerSize   = 48
	reportSize   = 584
	sigLenSize   = 4
	minQuoteSize = headerSize + reportSize + sigLenSize
)

// Header is the fixed 48-byte quote header.
type Header struct {
	Version            uint16
	AttestationKeyType uint16
	TEEType            uint32
	VendorID           [16]byte
	UserData           [20]byte
}

// Quote is a decoded TDX v4 quote body together with its header.
// All digest fields are raw bytes; use the hex helpers for diagnostics.
type Quote struct {
	Header Header

	TEETCBSVN      [16]byte
	MRSEAM         [48]byte
	MRSIGNERSEAM   [48]byte
	SEAMAttributes uint64
	TDAttributes   uint64
	XFAM           uint64
	MRTD           [48]byte
	MRCONFIGID     [48]byte
	MROWNER        [48]byte
	MROWNERCONFIG  [48]byte
	RTMR           [4][48]byte
	ReportData     [64]byte

	// Signature is the raw quote signature blob (ECDSA auth data).
	// Signature chain validation is out of scope here; the bytes are kept
	// so callers can hand them to a DCAP verifier.
	Signature []byte
}

// RTMRs returns the four runtime measurement registers.
func (q *Quote) RTMRs() [4][48]byte {
	return q.RTMR
}

// MRTDHex returns the launch measurement as a hex string.
func (q *Quote) MRTDHex() string {
	return hex.EncodeToString(q.MRTD[:])
}

// RTMRHex returns the given runtime register as a hex string.
func (q *Quote) RTMRHex(i int) string {
	return hex.EncodeToString(q.RTMR[i][:])
}
