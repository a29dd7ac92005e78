package defi

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"

	xerrors "OpenAgent-Hub/internal/errors"
)

// BpsDenominator 是基点的分母。
const BpsDenominator = 10000

var bpsDenominator = big.NewInt(BpsDenominator)

// ParseAmount 解析十进制或 0x 前缀的十六进制整数金额。
func ParseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("%s 不能为空", field))
	}
	v, ok := math.ParseBig256(raw)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("%s 不是合法的整数: %s", field, raw))
	}
	return v, nil
}

func requirePositive(field string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("%s 必须为正数", field),
			xerrors.WithMetadata("field", field))
	}
	return nil
}

// ratioPercent 返回 num/den*100，仅用于报告。
func ratioPercent(num, den *big.Int) float64 {
	if den.Sign() == 0 {
		return 0
	}
	r := new(big.Rat).SetFrac(new(big.Int).Mul(num, big.NewInt(100)), den)
	f, _ := r.Float64()
	return f
}

// applyBps 计算 v*(10000-bps)/10000，向零截断。
func applyBps(v *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(BpsDenominator)-int64(bps)))
	return out.Quo(out, bpsDenominator)
}

// ParseEther 将十进制的 ETH 数量（如 "0.1"）换算为 wei，超出 18 位的小数被截断。
func ParseEther(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	r, ok := new(big.Rat).SetString(raw)
	if raw == "" || !ok {
		return nil, xerrors.New(xerrors.CodeInvalidInput, fmt.Sprintf("%s 不是合法的数量: %s", field, raw))
	}
	r.Mul(r, new(big.Rat).SetInt(oneEther))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
