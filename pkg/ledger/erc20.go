package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"galapagos/pkg/logger"
)

var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// ChainClient 转账所需的以太坊 RPC 子集
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// DialChain 连接以太坊节点
func DialChain(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("未配置链节点地址")
	}
	return ethclient.Dial(trimmed)
}

// ERC20Config ERC-20 转账配置
type ERC20Config struct {
	Token           common.Address
	Confirmations   uint64
	PollInterval    time.Duration
	RejectContracts bool
}

// ERC20Executor 通过 ERC-20 合约的 transfer 方法发放奖励
type ERC20Executor struct {
	client   ChainClient
	treasury Treasury
	cfg      ERC20Config
	logger   *logger.Logger

	// 串行化 nonce 分配到交易发出
	sendMu  sync.Mutex
	chainID *big.Int
}

// NewERC20Executor 创建 ERC-20 转账执行器
func NewERC20Executor(client ChainClient, treasury Treasury, cfg ERC20Config, log *logger.Logger) *ERC20Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ERC20Executor{client: client, treasury: treasury, cfg: cfg, logger: log}
}

// ValidateDestination 检查地址格式，不访问链
func (e *ERC20Executor) ValidateDestination(destination string) error {
	_, err := e.parseDestination(destination)
	return err
}

func (e *ERC20Executor) parseDestination(destination string) (common.Address, error) {
	destination = strings.TrimSpace(destination)
	if !common.IsHexAddress(destination) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidDestination, destination)
	}
	addr := common.HexToAddress(destination)
	switch addr {
	case common.Address{}:
		return common.Address{}, fmt.Errorf("%w: 零地址", ErrInvalidDestination)
	case e.treasury.Address():
		return common.Address{}, fmt.Errorf("%w: 不能转给资金账户", ErrInvalidDestination)
	case e.cfg.Token:
		return common.Address{}, fmt.Errorf("%w: 不能转给代币合约", ErrInvalidDestination)
	}
	return addr, nil
}

// Transfer 发起转账并等待确认
func (e *ERC20Executor) Transfer(ctx context.Context, destination string, units *big.Int, onSubmit func(txHash string)) (*Receipt, error) {
	to, err := e.parseDestination(destination)
	if err != nil {
		return nil, Rejected("", err)
	}
	if units == nil || units.Sign() <= 0 {
		return nil, Rejected("", fmt.Errorf("转账数量必须为正数"))
	}
	if e.cfg.RejectContracts {
		code, err := e.client.CodeAt(ctx, to, nil)
		if err != nil {
			return nil, Rejected("", fmt.Errorf("查询目标地址失败: %w", err))
		}
		if len(code) > 0 {
			return nil, Rejected("", fmt.Errorf("%w: 目标是合约地址", ErrInvalidDestination))
		}
	}

	hash, err := e.send(ctx, to, units, onSubmit)
	if err != nil {
		return nil, err
	}
	e.logger.Info("奖励转账已提交", "tx_hash", hash.Hex(), "to", to.Hex(), "units", units.String())

	receipt, err := e.waitForReceipt(ctx, hash)
	if err != nil {
		return nil, Ambiguous(hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, Rejected(hash.Hex(), fmt.Errorf("交易执行失败"))
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return &Receipt{
		TxHash:      hash.Hex(),
		BlockNumber: block,
		Destination: to.Hex(),
		Units:       new(big.Int).Set(units),
	}, nil
}

func (e *ERC20Executor) send(ctx context.Context, to common.Address, units *big.Int, onSubmit func(txHash string)) (common.Hash, error) {
	data := transferCalldata(to, units)
	from := e.treasury.Address()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	chainID, err := e.loadChainID(ctx)
	if err != nil {
		return common.Hash{}, Rejected("", fmt.Errorf("获取链 ID 失败: %w", err))
	}
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, Rejected("", fmt.Errorf("获取 nonce 失败: %w", err))
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, Rejected("", fmt.Errorf("获取 gas 价格失败: %w", err))
	}
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &e.cfg.Token, Data: data})
	if err != nil {
		// 预执行失败，例如余额不足
		return common.Hash{}, Rejected("", fmt.Errorf("预估 gas 失败: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &e.cfg.Token,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := e.treasury.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, Rejected("", fmt.Errorf("签名失败: %w", err))
	}
	hash := signed.Hash()
	if onSubmit != nil {
		onSubmit(hash.Hex())
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			return hash, nil
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			return common.Hash{}, Rejected(hash.Hex(), fmt.Errorf("节点拒绝交易: %w", err))
		}
		return common.Hash{}, Ambiguous(hash.Hex(), fmt.Errorf("发送交易失败: %w", err))
	}
	return hash, nil
}

func (e *ERC20Executor) loadChainID(ctx context.Context) (*big.Int, error) {
	if e.chainID != nil {
		return e.chainID, nil
	}
	id, err := e.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	e.chainID = id
	return id, nil
}

func (e *ERC20Executor) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, nil
			}
			ok, confErr := e.confirmed(ctx, receipt)
			if confErr != nil {
				e.logger.Warn("查询区块高度失败", "tx_hash", hash.Hex(), "error", confErr)
			} else if ok {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			e.logger.Warn("查询交易回执失败", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易确认超时: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *ERC20Executor) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if e.cfg.Confirmations <= 1 {
		return true, nil
	}
	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= e.cfg.Confirmations, nil
}

// Status 查询交易在链上的状态
func (e *ERC20Executor) Status(ctx context.Context, txHash string) (Status, error) {
	if !isHexHash(txHash) {
		return StatusUnknown, fmt.Errorf("非法交易哈希: %q", txHash)
	}
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, err
	}
	if receipt == nil {
		return StatusUnknown, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return StatusReverted, nil
	}
	ok, err := e.confirmed(ctx, receipt)
	if err != nil {
		return StatusUnknown, err
	}
	if !ok {
		return StatusPending, nil
	}
	return StatusConfirmed, nil
}

func transferCalldata(to common.Address, units *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return data
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
