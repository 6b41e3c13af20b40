package verifier

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phala-Network/dstack-verifier/eventlog"
	"github.com/Phala-Network/dstack-verifier/imagestore"
	"github.com/Phala-Network/dstack-verifier/registry"
	"github.com/Phala-Network/dstack-verifier/shared"
)

// fixture is a synthetic known-good deployment: an event log, a quote whose
// registers match the log's replay, a cached reference image whose manifest
// matches the quote's MRTD, and a registry that recognizes the app.
type fixture struct {
	appID    common.Address
	compose  []byte
	mrtd     [48]byte
	entries  []eventlog.Entry
	rawLog   []byte
	rawQuote []byte
	registry *registry.StaticRegistry
	verifier *Verifier
}

const fixtureImage = "dstack-0.5.3"

// rawQuoteFor assembles a v4 quote buffer with the given MRTD, registers and
// report data.
func rawQuoteFor(t *testing.T, mrtd [48]byte, rtmrs eventlog.Registers, reportData [64]byte) []byte {
	t.Helper()
	buf := make([]byte, 636)
	binary.LittleEndian.PutUint16(buf[0:2], 4)    // version
	binary.LittleEndian.PutUint32(buf[4:8], 0x81) // TDX
	copy(buf[184:232], mrtd[:])
	for i := 0; i < 4; i++ {
		copy(buf[376+i*48:424+i*48], rtmrs[i][:])
	}
	copy(buf[568:632], reportData[:])
	return buf
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		appID:   common.HexToAddress("0x00000000000000000000000000000000deadbeef"),
		compose: []byte(`{"services":{"app":{"image":"app:1.0"}}}`),
	}
	copy(f.mrtd[:], []byte("launch-measurement-for-fixture-image-48-bytes!!!"))

	composeSum := sha256.Sum256(f.compose)
	boot := sha512.Sum384([]byte("kernel"))
	f.entries = []eventlog.Entry{
		{IMR: 0, EventType: 1, Event: "bios", Digest: hexDigest([]byte("bios"))},
		{IMR: 1, EventType: 1, Event: "kernel", Digest: hex.EncodeToString(boot[:])},
		{IMR: 2, EventType: 1, Event: "initrd", Digest: hexDigest([]byte("initrd"))},
		{IMR: 3, EventType: 0x08000001, Event: eventlog.EventAppID,
			Digest: hexDigest([]byte("app-id")), Payload: hex.EncodeToString(f.appID.Bytes())},
		{IMR: 3, EventType: 0x08000001, Event: eventlog.EventComposeHash,
			Digest: hexDigest([]byte("compose")), Payload: hex.EncodeToString(composeSum[:])},
		{IMR: 3, EventType: 0x08000001, Event: eventlog.EventInstanceID,
			Digest: hexDigest([]byte("instance")), Payload: "0102"},
	}

	var err error
	f.rawLog, err = json.Marshal(f.entries)
	require.NoError(t, err)

	rtmrs, err := eventlog.Replay(f.entries)
	require.NoError(t, err)
	f.rawQuote = rawQuoteFor(t, f.mrtd, rtmrs, [64]byte{})

	f.registry = &registry.StaticRegistry{
		Gateway: f.appID.Hex(),
		Apps:    map[common.Address]bool{f.appID: true},
	}

	// Pre-populated cache entry: EnsureImage stays offline.
	cacheRoot := t.TempDir()
	imgDir := filepath.Join(cacheRoot, fixtureImage)
	require.NoError(t, os.MkdirAll(imgDir, 0o755))
	manifest := `{"mrtd": "` + hex.EncodeToString(f.mrtd[:]) + `", "version": "0.5.3"}`
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "metadata.json"), []byte(manifest), 0o644))

	logger, err := shared.NewLogger(shared.LoggerConfig{ServiceName: "test", Development: true})
	require.NoError(t, err)
	images := imagestore.NewStore(cacheRoot, "http://unused.invalid", time.Second, logger)

	f.verifier = New(images, f.registry, logger)
	return f
}

func hexDigest(seed []byte) string {
	d := sha512.Sum384(seed)
	return hex.EncodeToString(d[:])
}

func (f *fixture) appSpec() TargetSpec {
	return TargetSpec{
		Kind:     TargetApp,
		Quote:    f.rawQuote,
		EventLog: f.rawLog,
		Compose:  f.compose,
		OSImage:  fixtureImage,
		AppID:    f.appID.Hex(),
	}
}

func TestVerifyAppKnownGood(t *testing.T) {
	f := newFixture(t)
	res, err := f.verifier.VerifyTarget(context.Background(), f.appSpec())
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, res.Status, "diffs: %v", res.Details)
	assert.Empty(t, res.Details)
	assert.True(t, res.Verified())
}

func TestVerifyAppMRTDMismatch(t *testing.T) {
	f := newFixture(t)
	spec := f.appSpec()
	spec.Quote = append([]byte(nil), spec.Quote...)
	spec.Quote[184] ^= 0xff // corrupt MRTD

	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusMeasurementMismatch, res.Status)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "mrtd", res.Details[0].Field)
	assert.NotEqual(t, res.Details[0].Expected, res.Details[0].Actual)
}

func TestVerifyAppRTMRMismatch(t *testing.T) {
	for i := 0; i < 4; i++ {
		f := newFixture(t)
		spec := f.appSpec()
		spec.Quote = append([]byte(nil), spec.Quote...)
		spec.Quote[376+i*48] ^= 0x01 // corrupt RTMRi

		res, err := f.verifier.VerifyTarget(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, StatusMeasurementMismatch, res.Status)
		require.Len(t, res.Details, 1, "rtmr%d", i)
		assert.Equal(t, "rtmr"+string(rune('0'+i)), res.Details[0].Field)
	}
}

func TestVerifyAppComposeMismatch(t *testing.T) {
	f := newFixture(t)
	spec := f.appSpec()
	spec.Compose = []byte(`{"services":{"app":{"image":"evil:1.0"}}}`)

	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusMeasurementMismatch, res.Status)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "compose-hash", res.Details[0].Field)
}

func TestVerifyAppCollectsAllDiffs(t *testing.T) {
	f := newFixture(t)
	spec := f.appSpec()
	spec.Quote = append([]byte(nil), spec.Quote...)
	spec.Quote[184] ^= 0xff // MRTD
	spec.Quote[400] ^= 0x01 // RTMR0
	spec.Compose = []byte("tampered")

	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusMeasurementMismatch, res.Status)

	fields := make(map[string]bool)
	for _, d := range res.Details {
		fields[d.Field] = true
	}
	assert.True(t, fields["mrtd"], "mrtd diff missing")
	assert.True(t, fields["rtmr0"], "rtmr0 diff missing")
	assert.True(t, fields["compose-hash"], "compose-hash diff missing")
}

func TestVerifyAppNotRegisteredIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.registry.Apps = map[common.Address]bool{} // nothing registered

	res, err := f.verifier.VerifyTarget(context.Background(), f.appSpec())
	require.NoError(t, err, "not-registered must not be reported as retryable")
	assert.Equal(t, StatusRegistryMismatch, res.Status)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "registry.registeredApps", res.Details[0].Field)
}

func TestVerifyAppRegistryUnreachable(t *testing.T) {
	f := newFixture(t)
	f.registry.RegisteredErr = &registry.RPCError{Op: "registeredApps", Err: context.DeadlineExceeded}

	res, err := f.verifier.VerifyTarget(context.Background(), f.appSpec())
	require.Error(t, err, "RPC failure must propagate for retry")
	assert.Equal(t, StatusUnreachable, res.Status)
}

func TestVerifyGateway(t *testing.T) {
	f := newFixture(t)
	spec := f.appSpec()
	spec.Kind = TargetGateway
	spec.Compose = nil

	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, res.Status, "diffs: %v", res.Details)

	f.registry.Gateway = "0x1111111111111111111111111111111111111111"
	res, err = f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusRegistryMismatch, res.Status)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "registry.gatewayAppId", res.Details[0].Field)
}

func TestVerifyKMSBinding(t *testing.T) {
	f := newFixture(t)

	k256 := []byte{0x02, 0x01, 0x02, 0x03}
	var reportData [64]byte
	copy(reportData[:32], ethcrypto.Keccak256(k256))

	rtmrs, err := eventlog.Replay(f.entries)
	require.NoError(t, err)
	kmsQuote := rawQuoteFor(t, f.mrtd, rtmrs, reportData)

	f.registry.KMS = &registry.KMSInfo{
		K256Pubkey: k256,
		Quote:      kmsQuote,
		EventLog:   f.rawLog,
	}

	spec := TargetSpec{Kind: TargetKMS, OSImage: fixtureImage}
	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, res.Status, "diffs: %v", res.Details)

	// A report data that does not bind the registry's pubkey must fail.
	f.registry.KMS.Quote = rawQuoteFor(t, f.mrtd, rtmrs, [64]byte{0xde, 0xad})
	res, err = f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusRegistryMismatch, res.Status)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "reportdata", res.Details[0].Field)
}

func TestVerifyKMSWithoutRegistryRecord(t *testing.T) {
	f := newFixture(t)
	require.Nil(t, f.registry.KMS)

	spec := TargetSpec{Kind: TargetKMS, OSImage: fixtureImage}
	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err, "an absent KMS record is terminal, not retryable")
	assert.Equal(t, StatusRegistryMismatch, res.Status)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "registry.kmsInfo", res.Details[0].Field)
	assert.Equal(t, "absent", res.Details[0].Actual)

	// Inside VerifyAll the target runs on a worker goroutine; the absent
	// record must surface as a result there too, not take down the group.
	results, err := f.verifier.VerifyAll(context.Background(), []TargetSpec{spec, f.appSpec()})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusRegistryMismatch, results[0].Status)
	assert.Equal(t, StatusVerified, results[1].Status)
}

func TestVerifyTruncatedQuoteIsDecodeError(t *testing.T) {
	f := newFixture(t)
	spec := f.appSpec()
	spec.Quote = spec.Quote[:100]

	res, err := f.verifier.VerifyTarget(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, StatusDecodeError, res.Status)
	assert.Contains(t, res.Reason, "truncated")
}

func TestVerifyAllJoinsAllTargets(t *testing.T) {
	f := newFixture(t)

	bad := f.appSpec()
	bad.Compose = []byte("tampered")
	gw := f.appSpec()
	gw.Kind = TargetGateway

	results, err := f.verifier.VerifyAll(context.Background(), []TargetSpec{f.appSpec(), bad, gw})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, StatusVerified, results[0].Status)
	assert.Equal(t, StatusMeasurementMismatch, results[1].Status)
	assert.Equal(t, StatusVerified, results[2].Status, "a failed sibling must not affect other targets")
}
