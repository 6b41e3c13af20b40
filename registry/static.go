package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// StaticRegistry is a fixture ReadRegistry backed by in-memory data. It lets
// the verifier and queue be exercised without a live chain connection.
type StaticRegistry struct {
	KMS           *KMSInfo
	Gateway       string
	Apps          map[common.Address]bool
	KMSErr        error
	GatewayErr    error
	RegisteredErr error
}

var _ ReadRegistry = (*StaticRegistry)(nil)

func (s *StaticRegistry) KMSInfo(ctx context.Context) (*KMSInfo, error) {
	if s.KMSErr != nil {
		return nil, s.KMSErr
	}
	return s.KMS, nil
}

func (s *StaticRegistry) GatewayAppID(ctx context.Context) (string, error) {
	if s.GatewayErr != nil {
		return "", s.GatewayErr
	}
	return s.Gateway, nil
}

func (s *StaticRegistry) IsAppRegistered(ctx context.Context, appID common.Address) (bool, error) {
	if s.RegisteredErr != nil {
		return false, s.RegisteredErr
	}
	return s.Apps[appID], nil
}
