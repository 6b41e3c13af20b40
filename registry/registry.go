// Package registry reads the on-chain governance contract that records
// which KMS, gateway and application identities are authorized.
//
// The contract is the source of truth for deployment governance; nothing in
// this package caches its answers beyond a single call, since governance
// state can change between attestation cycles.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// KMSInfo is the registry's view of the KMS identity: its public keys and
// its own attestation evidence, which callers can feed back through the
// quote decoder and replay engine.
type KMSInfo struct {
	K256Pubkey []byte
	CAPubkey   []byte
	Quote      []byte
	EventLog   []byte
}

// Record is a read-only snapshot of the registry taken for one verification
// run.
type Record struct {
	RegistryAddress common.Address
	KMS             *KMSInfo
	GatewayAppID    string
}

// ReadRegistry is the capability the verifier needs from the chain. Tests
// substitute a fixture; production uses the ethclient-backed Client.
type ReadRegistry interface {
	KMSInfo(ctx context.Context) (*KMSInfo, error)
	GatewayAppID(ctx context.Context) (string, error)
	IsAppRegistered(ctx context.Context, appID common.Address) (bool, error)
}

// ErrNotRegistered means the contract explicitly reported the application as
// unregistered. Terminal: retrying cannot change an on-chain "false".
var ErrNotRegistered = errors.New("registry: app is not registered")

// RPCError wraps transport-level failures talking to the RPC endpoint.
// Transient: the orchestrator's retry policy applies.
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// AddressMismatchError means an identity returned by the contract does not
// match what the attestation evidence claims. Terminal, and distinct from a
// transient failure: it signals tampering or misconfiguration.
type AddressMismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *AddressMismatchError) Error() string {
	return fmt.Sprintf("registry: %s mismatch: expected %s, got %s", e.Field, e.Expected, e.Actual)
}
