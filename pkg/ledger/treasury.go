package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Treasury 持有发放奖励的资金账户并负责签名
type Treasury interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeyTreasury 使用本地私钥签名
type KeyTreasury struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeyTreasury 从十六进制私钥创建资金账户
func NewKeyTreasury(hexKey string) (*KeyTreasury, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("未配置资金账户私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("解析资金账户私钥失败: %w", err)
	}
	return NewKeyTreasuryFromKey(key), nil
}

// NewKeyTreasuryFromKey 从私钥创建资金账户
func NewKeyTreasuryFromKey(key *ecdsa.PrivateKey) *KeyTreasury {
	return &KeyTreasury{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address 资金账户地址
func (t *KeyTreasury) Address() common.Address {
	return t.address
}

// SignTx 对交易签名
func (t *KeyTreasury) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), t.key)
}
