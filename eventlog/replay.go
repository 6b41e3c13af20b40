package eventlog

import (
	"crypto/sha512"
	"fmt"
)

// DigestLen is the length of an RTMR value and of every chained digest.
const DigestLen = sha512.Size384

// Registers holds the four replayed runtime measurement registers.
type Registers [4][DigestLen]byte

// Replay reconstructs the expected RTMR values from an ordered event log.
//
// Each register starts from 48 zero bytes and is extended per entry in log
// order: r = SHA384(r || digest). This mirrors the hardware extend operation,
// so a log that matches what the TD actually measured replays to exactly the
// RTMR values in its quote. Entries that declare a digest must declare a
// 48-byte one; entries without a digest are extended with SHA384(payload).
//
// Replay is deterministic and performs no I/O. An empty log yields all-zero
// registers.
func Replay(entries []Entry) (Registers, error) {
	var regs Registers

	for i, e := range entries {
		digest, err := e.DigestBytes()
		if err != nil {
			return Registers{}, err
		}
		if digest == nil {
			payload, err := e.PayloadBytes()
			if err != nil {
				return Registers{}, err
			}
			sum := sha512.Sum384(payload)
			digest = sum[:]
		}
		if len(digest) != DigestLen {
			return Registers{}, fmt.Errorf("eventlog: entry %d (%q) digest is %d bytes, want %d",
				i, e.Event, len(digest), DigestLen)
		}
		if e.IMR < 0 || e.IMR > 3 {
			return Registers{}, fmt.Errorf("eventlog: entry %d references IMR %d, want 0..3", i, e.IMR)
		}

		var buf [2 * DigestLen]byte
		copy(buf[:DigestLen], regs[e.IMR][:])
		copy(buf[DigestLen:], digest)
		regs[e.IMR] = sha512.Sum384(buf[:])
	}

	return regs, nil
}
