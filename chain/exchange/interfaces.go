package exchange

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/strandproject/strand/chain/types"
)

// Server is the responder side of the exchange protocol. It accepts
// requests from clients and services them by fetching the requested
// parts of the chain from the local store.
type Server interface {
	// HandleStream is the protocol handler to be registered on a libp2p
	// service.
	HandleStream(stream network.Stream)
}

// Client is the requesting side of the exchange protocol. It acts as
// a proxy for other peers to get the requested parts of the chain
// from it.
//
// Because peers are unreliable, requests are tried against the set of
// currently tracked peers until one of them produces a valid response.
type Client interface {
	// GetBlocks fetches block headers from the network, from the provided
	// tipset *backwards*, returning as many tipsets as count.
	//
	// The order of the returned tipsets is newest-first.
	GetBlocks(ctx context.Context, tsk types.TipSetKey, count int) ([]*types.TipSet, error)

	// GetChainMessages fetches messages from the network, starting from the
	// first provided tipset and walking the chain until the last, which
	// must form a connected range in newest-first order.
	GetChainMessages(ctx context.Context, tipsets []*types.TipSet) ([]*CompactedMessages, error)

	// GetFullTipSet fetches a full tipset from a specific peer. If the
	// request fails, the client will not retry with other peers.
	GetFullTipSet(ctx context.Context, peer peer.ID, tsk types.TipSetKey) (*types.FullTipSet, error)

	// AddPeer adds a peer to the pool of peers that the Client requests
	// data from.
	AddPeer(peer peer.ID)

	// RemovePeer removes a peer from the pool of peers that the Client
	// requests data from.
	RemovePeer(peer peer.ID)
}
