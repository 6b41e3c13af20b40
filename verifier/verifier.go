package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Phala-Network/dstack-verifier/eventlog"
	"github.com/Phala-Network/dstack-verifier/imagestore"
	"github.com/Phala-Network/dstack-verifier/quote"
	"github.com/Phala-Network/dstack-verifier/registry"
	"github.com/Phala-Network/dstack-verifier/shared"
)

// Verifier runs the full measurement and governance checks for targets.
// It holds no per-run state; registry answers are re-read on every call.
type Verifier struct {
	images   *imagestore.Store
	registry registry.ReadRegistry
	logger   *shared.Logger
}

// New creates a Verifier.
func New(images *imagestore.Store, reg registry.ReadRegistry, logger *shared.Logger) *Verifier {
	return &Verifier{images: images, registry: reg, logger: logger}
}

// VerifyAll verifies every target and waits for all of them before
// returning: a join, not a race. A failing sibling does not cancel the
// others, so the result list always carries full diagnostic detail. The
// returned error is the first transient failure, if any, and signals that
// the whole job may be retried.
func (v *Verifier) VerifyAll(ctx context.Context, specs []TargetSpec) ([]Result, error) {
	results := make([]Result, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			res, err := v.VerifyTarget(ctx, spec)
			results[i] = *res
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// VerifyTarget verifies a single target. Terminal outcomes (decode errors,
// mismatches, explicit not-registered) are encoded in the Result with a nil
// error; a non-nil error is always transient (image fetch or RPC failure)
// and the Result carries StatusUnreachable for it.
func (v *Verifier) VerifyTarget(ctx context.Context, spec TargetSpec) (*Result, error) {
	log := v.logger.WithTarget(string(spec.Kind))
	result := &Result{TargetKind: spec.Kind, CheckedAt: time.Now().UTC()}

	rawQuote, rawLog := spec.Quote, spec.EventLog
	var kmsInfo *registry.KMSInfo
	if spec.Kind == TargetKMS {
		info, err := v.registry.KMSInfo(ctx)
		if err != nil {
			return v.unreachable(result, err), err
		}
		// An absent record is a governance answer, not a transport failure:
		// terminal, never retried.
		if info == nil {
			result.Status = StatusRegistryMismatch
			result.Reason = "registry has no KMS record"
			result.Details = []FieldDiff{{
				Field:    "registry.kmsInfo",
				Expected: "present",
				Actual:   "absent",
			}}
			return result, nil
		}
		kmsInfo = info
		if len(rawQuote) == 0 {
			rawQuote, rawLog = info.Quote, info.EventLog
		}
	}

	q, err := quote.Decode(rawQuote)
	if err != nil {
		log.Warn("quote decode failed", zap.Error(err))
		result.Status = StatusDecodeError
		result.Reason = err.Error()
		return result, nil
	}

	entries, err := eventlog.Parse(rawLog)
	if err != nil {
		result.Status = StatusDecodeError
		result.Reason = err.Error()
		return result, nil
	}
	replayed, err := eventlog.Replay(entries)
	if err != nil {
		result.Status = StatusDecodeError
		result.Reason = err.Error()
		return result, nil
	}

	// Collect every discrepancy before deciding; a single mismatch must
	// not hide the others.
	var measurement, governance []FieldDiff
	var govErr error

	for i := 0; i < 4; i++ {
		if replayed[i] != q.RTMR[i] {
			measurement = append(measurement, FieldDiff{
				Field:    fmt.Sprintf("rtmr%d", i),
				Expected: hex.EncodeToString(replayed[i][:]),
				Actual:   q.RTMRHex(i),
			})
		}
	}

	// MRTD is set at VM launch, not extended at runtime, so it is compared
	// against the reference image's manifest instead of a replay.
	if spec.OSImage != "" {
		img, err := v.images.EnsureImage(ctx, spec.OSImage)
		if err != nil {
			var fe *imagestore.FetchError
			if errors.As(err, &fe) {
				return v.unreachable(result, err), err
			}
			// Malformed image name: caller error, terminal.
			result.Status = StatusDecodeError
			result.Reason = err.Error()
			return result, nil
		}
		wantMRTD := strings.ToLower(strings.TrimPrefix(img.Metadata.MRTD, "0x"))
		if wantMRTD != q.MRTDHex() {
			measurement = append(measurement, FieldDiff{
				Field:    "mrtd",
				Expected: wantMRTD,
				Actual:   q.MRTDHex(),
			})
		}
	}

	appInfo := eventlog.ExtractAppInfo(entries)

	switch spec.Kind {
	case TargetApp:
		// Close the loop from "measured" to "known source": the
		// compose-hash event must match a digest computed over the
		// compose artifact fetched independently of the TEE.
		composeSum := sha256.Sum256(spec.Compose)
		if appInfo.ComposeHash != hex.EncodeToString(composeSum[:]) {
			measurement = append(measurement, FieldDiff{
				Field:    "compose-hash",
				Expected: hex.EncodeToString(composeSum[:]),
				Actual:   appInfo.ComposeHash,
			})
		}

		registered, err := v.registry.IsAppRegistered(ctx, common.HexToAddress(spec.AppID))
		if err != nil {
			return v.unreachable(result, err), err
		}
		if !registered {
			govErr = registry.ErrNotRegistered
			governance = append(governance, FieldDiff{
				Field:    "registry.registeredApps",
				Expected: "true",
				Actual:   "false",
			})
		}

	case TargetGateway:
		gatewayID, err := v.registry.GatewayAppID(ctx)
		if err != nil {
			return v.unreachable(result, err), err
		}
		if !strings.EqualFold(strings.TrimPrefix(gatewayID, "0x"), strings.TrimPrefix(spec.AppID, "0x")) {
			govErr = &registry.AddressMismatchError{
				Field:    "gatewayAppId",
				Expected: gatewayID,
				Actual:   spec.AppID,
			}
			governance = append(governance, FieldDiff{
				Field:    "registry.gatewayAppId",
				Expected: gatewayID,
				Actual:   spec.AppID,
			})
		}

	case TargetKMS:
		if diff := checkKMSBinding(q, kmsInfo); diff != nil {
			governance = append(governance, *diff)
		}
	}

	result.Details = append(measurement, governance...)
	switch {
	case len(measurement) > 0:
		result.Status = StatusMeasurementMismatch
		result.Reason = (&MismatchError{Target: spec.Kind, Diffs: measurement}).Error()
	case len(governance) > 0:
		result.Status = StatusRegistryMismatch
		if govErr != nil {
			result.Reason = govErr.Error()
		} else {
			result.Reason = governance[0].String()
		}
	default:
		result.Status = StatusVerified
	}

	log.Info("target checked",
		zap.String("status", string(result.Status)),
		zap.Int("diffs", len(result.Details)))
	return result, nil
}

func (v *Verifier) unreachable(result *Result, err error) *Result {
	result.Status = StatusUnreachable
	result.Reason = err.Error()
	return result
}

// checkKMSBinding verifies that the quote's report data binds the k256
// public key the registry advertises: the first 32 bytes must equal
// Keccak256(k256Pubkey) and the remainder must be zero.
func checkKMSBinding(q *quote.Quote, info *registry.KMSInfo) *FieldDiff {
	want := ethcrypto.Keccak256(info.K256Pubkey)
	var padded [64]byte
	copy(padded[:32], want)
	if !bytes.Equal(q.ReportData[:], padded[:]) {
		return &FieldDiff{
			Field:    "reportdata",
			Expected: hex.EncodeToString(padded[:]),
			Actual:   hex.EncodeToString(q.ReportData[:]),
		}
	}
	return nil
}
