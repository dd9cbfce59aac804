package graph

import (
	"github.com/strandproject/strand/build"
	"github.com/strandproject/strand/chain/types"
)

// Weight computes the cumulative weight of a tipset from its headers.
//
//	w[r+1] = w[r] + wFunction * 2^8 + (wFunction * len(ts.blocks) * wRatio_num * 2^8) / (e * wRatio_den)
//
// wFunction is fixed at the network power log2 constant, so the result is
// deterministic given the headers alone and every node scores a chain
// identically.
func Weight(ts *types.TipSet) types.BigInt {
	if ts == nil {
		return types.NewInt(0)
	}

	// wr = wRatio_num(0.5) * 2^8 / wRatio_den(2)
	wr := types.NewInt(256)

	l2 := build.TotalPowerLog2

	out := types.BigAdd(ts.ParentWeight(), types.NewInt(l2*256))

	eWeight := types.BigMul(types.BigMul(types.NewInt(l2), types.NewInt(uint64(ts.Len()))), wr)
	eWeight = types.BigDiv(eWeight, types.NewInt(build.BlocksPerEpoch*2))

	return types.BigAdd(out, eWeight)
}
