// Package ledger 向外部账本发起奖励代币转账
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrTransferRejected 转账被明确拒绝，没有资金转出
	ErrTransferRejected = errors.New("transfer rejected")
	// ErrTransferAmbiguous 转账结果未知，可能已经执行
	ErrTransferAmbiguous = errors.New("transfer outcome unknown")
	// ErrInvalidDestination 目标地址非法
	ErrInvalidDestination = errors.New("invalid destination")
)

// TransferError 转账失败的详细信息
type TransferError struct {
	Ambiguous bool
	TxHash    string
	Err       error
}

func (e *TransferError) Error() string {
	kind := "rejected"
	if e.Ambiguous {
		kind = "ambiguous"
	}
	if e.TxHash != "" {
		return fmt.Sprintf("transfer %s (tx %s): %v", kind, e.TxHash, e.Err)
	}
	return fmt.Sprintf("transfer %s: %v", kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is 让 errors.Is 可以按结果类别判断
func (e *TransferError) Is(target error) bool {
	if e.Ambiguous {
		return target == ErrTransferAmbiguous
	}
	return target == ErrTransferRejected
}

// Rejected 包装一个明确的失败
func Rejected(txHash string, err error) error {
	return &TransferError{TxHash: txHash, Err: err}
}

// Ambiguous 包装一个结果未知的失败
func Ambiguous(txHash string, err error) error {
	return &TransferError{Ambiguous: true, TxHash: txHash, Err: err}
}

// TxHashOf 返回错误中携带的交易哈希
func TxHashOf(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.TxHash
	}
	return ""
}

// Status 链上交易状态
type Status string

const (
	// StatusUnknown 节点上查不到这笔交易
	StatusUnknown   Status = "unknown"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
)

// Receipt 成功转账的凭据
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Destination string
	Units       *big.Int
}

// Executor 从资金账户向目标账户转账
//
// onSubmit 在交易签名后、广播前被调用，用于尽早持久化交易哈希。
type Executor interface {
	Transfer(ctx context.Context, destination string, units *big.Int, onSubmit func(txHash string)) (*Receipt, error)
	Status(ctx context.Context, txHash string) (Status, error)
	ValidateDestination(destination string) error
}

// FuncExecutor 用回调函数实现 Executor
type FuncExecutor struct {
	TransferFunc func(ctx context.Context, destination string, units *big.Int, onSubmit func(txHash string)) (*Receipt, error)
	StatusFunc   func(ctx context.Context, txHash string) (Status, error)
	ValidateFunc func(destination string) error
}

// Transfer 调用配置的回调
func (f FuncExecutor) Transfer(ctx context.Context, destination string, units *big.Int, onSubmit func(txHash string)) (*Receipt, error) {
	if f.TransferFunc == nil {
		return &Receipt{Destination: destination, Units: new(big.Int).Set(units)}, nil
	}
	return f.TransferFunc(ctx, destination, units, onSubmit)
}

// Status 调用配置的回调
func (f FuncExecutor) Status(ctx context.Context, txHash string) (Status, error) {
	if f.StatusFunc == nil {
		return StatusUnknown, nil
	}
	return f.StatusFunc(ctx, txHash)
}

// ValidateDestination 调用配置的回调
func (f FuncExecutor) ValidateDestination(destination string) error {
	if f.ValidateFunc == nil {
		return nil
	}
	return f.ValidateFunc(destination)
}
