// Package eventlog parses dstack runtime event logs and replays them into
// the RTMR values a matching TDX quote is expected to report.
package eventlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Entry is a single measured event. Entries are ordered; order within an
// IMR is significant and must not be changed.
type Entry struct {
	IMR       int    `json:"imr"`
	EventType uint32 `json:"event_type"`
	Digest    string `json:"digest"`
	Event     string `json:"event"`
	Payload   string `json:"event_payload"`
}

// DigestBytes decodes the entry's declared digest. An empty digest is
// allowed and returns nil; the replay derives one from the payload instead.
func (e *Entry) DigestBytes() ([]byte, error) {
	if e.Digest == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(e.Digest)
	if err != nil {
		return nil, fmt.Errorf("eventlog: bad digest hex in event %q: %w", e.Event, err)
	}
	return b, nil
}

// PayloadBytes decodes the entry's payload.
func (e *Entry) PayloadBytes() ([]byte, error) {
	if e.Payload == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("eventlog: bad payload hex in event %q: %w", e.Event, err)
	}
	return b, nil
}

// Parse decodes a JSON event log. The log is an append-only array; Parse
// preserves order and rejects entries referencing IMRs outside 0..3.
func Parse(raw []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("eventlog: malformed event log: %w", err)
	}
	for i, e := range entries {
		if e.IMR < 0 || e.IMR > 3 {
			return nil, fmt.Errorf("eventlog: entry %d references IMR %d, want 0..3", i, e.IMR)
		}
		if _, err := e.DigestBytes(); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Application event names carried in RTMR3 by the dstack guest agent.
const (
	EventAppID       = "app-id"
	EventComposeHash = "compose-hash"
	EventInstanceID  = "instance-id"
	EventKeyProvider = "key-provider"
	EventOSImageHash = "os-image-hash"
)

// AppInfo is the application identity recorded in the RTMR3 event stream.
// Values are the raw event payloads, hex-encoded as they appear in the log.
type AppInfo struct {
	AppID       string
	ComposeHash string
	InstanceID  string
	KeyProvider string
	OSImageHash string
}

// ExtractAppInfo pulls the application identity events out of the log.
// The replay itself treats these uniformly as chained events; this accessor
// exists so callers can close the loop between the measured compose-hash and
// the compose artifact fetched independently. The first occurrence of each
// event wins.
func ExtractAppInfo(entries []Entry) AppInfo {
	var info AppInfo
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	for _, e := range entries {
		if e.IMR != 3 {
			continue
		}
		switch e.Event {
		case EventAppID:
			set(&info.AppID, e.Payload)
		case EventComposeHash:
			set(&info.ComposeHash, e.Payload)
		case EventInstanceID:
			set(&info.InstanceID, e.Payload)
		case EventKeyProvider:
			set(&info.KeyProvider, e.Payload)
		case EventOSImageHash:
			set(&info.OSImageHash, e.Payload)
		}
	}
	return info
}
