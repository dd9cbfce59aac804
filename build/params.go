package build

import (
	"github.com/filecoin-project/go-state-types/abi"
)

// Core network constants

const NetworkName = "strand"
const BlocksTopic = "/strand/blocks/" + NetworkName
const MessagesTopic = "/strand/msgs/" + NetworkName

// /////
// Consensus / Network

// Seconds
const BlockDelaySecs = uint64(30)

// Seconds
const AllowableClockDriftSecs = uint64(1)

// Blocks (e)
const BlocksPerEpoch = uint64(5)

// Maximum number of messages (bls and secpk combined) a single block may
// carry.
const BlockMessageLimit = 512

// Epochs
const Finality = abi.ChainEpoch(900)

// Epochs
const ForkLengthThreshold = abi.ChainEpoch(500)

// The log2 of the assumed network power, used as the wFunction term when
// accumulating chain weight. Fixed so weight is computable from headers alone.
const TotalPowerLog2 = uint64(10)

// Gossiped tipsets further than this behind our head are ignored outright.
const GossipStalenessEpochs = abi.ChainEpoch(24 * 60 * 60 / BlockDelaySecs)

// /////
// Sync

// Number of tipsets requested from a peer in a single exchange batch.
const DefaultRequestWindow = 8

// Maximum number of headers fetched per exchange request while scanning
// backward for a known ancestor.
const MaxHeaderWindow = 100

// Peer heads sampled before evaluating the network head.
var TipSetSampleSize = 5

// Peers we need hellos from before bootstrap sync is allowed to start.
var BootstrapPeerThreshold = 4
