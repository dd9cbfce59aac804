package chain

import (
	"errors"
	"fmt"
)

// ErrTemporal marks validation failures that may resolve on their own, like
// a block from the near future. Temporal failures never poison the bad
// block registry.
var ErrTemporal = errors.New("temporal error")

// ErrForkTooLong is returned when a fork reaches back further than
// ForkLengthThreshold without meeting our chain.
var ErrForkTooLong = fmt.Errorf("fork longer than threshold")

// ErrForkCheckpoint is returned when a fork would revert past the finality
// window or the genesis block.
var ErrForkCheckpoint = fmt.Errorf("fork would revert finalized chain")

func isPermanent(err error) bool {
	return !errors.Is(err, ErrTemporal)
}
