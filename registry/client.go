package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Read-only surface of the governance contract consumed by the verifier.
const registryABI = `[
	{"name": "kmsInfo", "type": "function", "stateMutability": "view", "inputs": [],
	 "outputs": [
		{"name": "k256Pubkey", "type": "bytes"},
		{"name": "caPubkey", "type": "bytes"},
		{"name": "quote", "type": "bytes"},
		{"name": "eventlog", "type": "bytes"}]},
	{"name": "gatewayAppId", "type": "function", "stateMutability": "view", "inputs": [],
	 "outputs": [{"name": "", "type": "string"}]},
	{"name": "registeredApps", "type": "function", "stateMutability": "view",
	 "inputs": [{"name": "appId", "type": "address"}],
	 "outputs": [{"name": "", "type": "bool"}]}
]`

// Client implements ReadRegistry against a live Ethereum-compatible RPC
// endpoint. It holds no mutable state and is safe for concurrent use.
type Client struct {
	eth      *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

var _ ReadRegistry = (*Client)(nil)

// Dial connects to the RPC endpoint and binds the registry contract address.
func Dial(ctx context.Context, rpcEndpoint string, contract common.Address) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("registry: parsing ABI: %w", err)
	}
	eth, err := ethclient.DialContext(ctx, rpcEndpoint)
	if err != nil {
		return nil, &RPCError{Op: "dial " + rpcEndpoint, Err: err}
	}
	return &Client{eth: eth, contract: contract, abi: parsed}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: packing %s: %w", method, err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, &RPCError{Op: method, Err: err}
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("registry: unpacking %s result: %w", method, err)
	}
	return out, nil
}

// KMSInfo resolves the registered KMS identity and its attestation evidence.
func (c *Client) KMSInfo(ctx context.Context) (*KMSInfo, error) {
	out, err := c.call(ctx, "kmsInfo")
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("registry: kmsInfo returned %d values, want 4", len(out))
	}
	info := &KMSInfo{}
	var ok bool
	if info.K256Pubkey, ok = out[0].([]byte); !ok {
		return nil, fmt.Errorf("registry: kmsInfo k256Pubkey has unexpected type %T", out[0])
	}
	if info.CAPubkey, ok = out[1].([]byte); !ok {
		return nil, fmt.Errorf("registry: kmsInfo caPubkey has unexpected type %T", out[1])
	}
	if info.Quote, ok = out[2].([]byte); !ok {
		return nil, fmt.Errorf("registry: kmsInfo quote has unexpected type %T", out[2])
	}
	if info.EventLog, ok = out[3].([]byte); !ok {
		return nil, fmt.Errorf("registry: kmsInfo eventlog has unexpected type %T", out[3])
	}
	return info, nil
}

// GatewayAppID resolves the app id the registry binds to the gateway.
func (c *Client) GatewayAppID(ctx context.Context) (string, error) {
	out, err := c.call(ctx, "gatewayAppId")
	if err != nil {
		return "", err
	}
	id, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("registry: gatewayAppId has unexpected type %T", out[0])
	}
	return id, nil
}

// IsAppRegistered checks the registeredApps mapping for the given app id.
func (c *Client) IsAppRegistered(ctx context.Context, appID common.Address) (bool, error) {
	out, err := c.call(ctx, "registeredApps", appID)
	if err != nil {
		return false, err
	}
	registered, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("registry: registeredApps has unexpected type %T", out[0])
	}
	return registered, nil
}
