// Package reward 计算票据兑换可获得的代币数量
package reward

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidPrice 单价为零或负数
	ErrInvalidPrice = errors.New("invalid unit price")
	// ErrInvalidInput 面值或比例非法
	ErrInvalidInput = errors.New("invalid reward input")
)

// Reward 计算奖励数量，返回最小可转账单位的整数
//
// units = floor(faceValue * rate / unitPrice * 10^decimals)，只向下取整。
func Reward(faceValue, rate, unitPrice *big.Rat, decimals uint8) (*big.Int, error) {
	if unitPrice == nil || unitPrice.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if faceValue == nil || rate == nil || faceValue.Sign() < 0 || rate.Sign() < 0 {
		return nil, ErrInvalidInput
	}

	amount := new(big.Rat).Mul(faceValue, rate)
	amount.Quo(amount, unitPrice)
	amount.Mul(amount, new(big.Rat).SetInt(scale(decimals)))

	// 分子分母均为正，整数除法即向下取整
	return new(big.Int).Quo(amount.Num(), amount.Denom()), nil
}

// ParseDecimal 解析十进制字符串，例如 "100.50"
func ParseDecimal(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidInput)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInput, s)
	}
	return r, nil
}

// FormatUnits 将最小单位数量格式化为十进制代币数量，去掉末尾的零
func FormatUnits(units *big.Int, decimals uint8) string {
	if units == nil {
		return "0"
	}
	return FormatDecimal(new(big.Rat).SetFrac(units, scale(decimals)), int(decimals))
}

// ParseUnits 解析最小单位整数字符串
func ParseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: units %q", ErrInvalidInput, s)
	}
	return v, nil
}

// FormatDecimal 将十进制数格式化为最多 prec 位小数，去掉末尾的零
func FormatDecimal(r *big.Rat, prec int) string {
	s := r.FloatString(prec)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// FitsPrecision 判断 r 能否用不超过 prec 位小数精确表示
func FitsPrecision(r *big.Rat, prec int) bool {
	if prec < 0 {
		return false
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(prec)), nil)))
	return scaled.IsInt()
}

func scale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
