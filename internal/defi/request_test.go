package defi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "OpenAgent-Hub/internal/errors"
)

func TestRequestInputParsesStrings(t *testing.T) {
	in := RequestInput{
		Swap:    &SwapInput{AmountIn: "1000", ReserveIn: "100000", ReserveOut: "0xc350", FeeBps: 30},
		Metrics: &MetricsInput{HolderCount: 10, LiquidityLocked: true, LockDays: 7},
		Source:  fairToken,
		Tx:      &TxInput{Operation: "SWAP", ValueEth: "0.1", Data: "0x38ed1739", To: uniswapRouter},
	}
	req, err := in.Request("wf-1")
	require.NoError(t, err)
	require.Equal(t, int64(50000), req.Swap.ReserveOut.Int64())
	require.Equal(t, OpSwap, req.Tx.Operation)
	require.Equal(t, "100000000000000000", req.Tx.Value.String())
	require.Len(t, req.Tx.Data, 4)
	require.Equal(t, 7*24*time.Hour, req.Metrics.LockDuration)
}

func TestRequestInputRejectsBadValues(t *testing.T) {
	_, err := RequestInput{}.Request("wf")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	_, err = RequestInput{Tx: &TxInput{Operation: "swap"}}.Request("wf")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	_, err = RequestInput{Swap: &SwapInput{AmountIn: "abc"}}.Request("wf")
	require.True(t, xerrors.IsCode(err, xerrors.CodeInvalidInput))

	v, err := ParseEther("v", "1.5")
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", v.String())
}
