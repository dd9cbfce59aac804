package hello

import (
	"context"
	"time"

	cborutil "github.com/filecoin-project/go-cbor-util"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	inet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"golang.org/x/xerrors"

	"github.com/strandproject/strand/chain"
	"github.com/strandproject/strand/chain/graph"
	"github.com/strandproject/strand/chain/store"
	"github.com/strandproject/strand/chain/types"
)

// ProtocolID is the libp2p protocol for exchanging chain heads on connect.
const ProtocolID = "/strand/hello/1.0.0"

var log = logging.Logger("hello")

func init() {
	cbor.RegisterCborType(HelloMessage{})
}

// HelloMessage announces our heaviest tipset to a freshly connected peer.
// Peers on a different genesis are not part of our network and get
// disconnected.
type HelloMessage struct {
	HeaviestTipSet       []cid.Cid
	HeaviestTipSetWeight types.BigInt
	GenesisHash          cid.Cid
}

type NewStreamFunc func(context.Context, peer.ID, ...protocol.ID) (inet.Stream, error)

type Service struct {
	newStream NewStreamFunc

	cs *store.ChainStore
	g  *graph.Graph
	mx *chain.ChainMuxer
}

func NewHelloService(h host.Host, cs *store.ChainStore, g *graph.Graph, mx *chain.ChainMuxer) *Service {
	return &Service{
		newStream: h.NewStream,

		cs: cs,
		g:  g,
		mx: mx,
	}
}

func (hs *Service) HandleStream(s inet.Stream) {
	defer s.Close() //nolint:errcheck

	var hmsg HelloMessage
	if err := cborutil.ReadCborRPC(s, &hmsg); err != nil {
		log.Infow("failed to read hello message, disconnecting", "error", err)
		_ = s.Conn().Close()
		return
	}

	log.Debugw("genesis from hello",
		"tipset", hmsg.HeaviestTipSet,
		"peer", s.Conn().RemotePeer(),
		"hash", hmsg.GenesisHash)

	gen, err := hs.cs.GetGenesis(context.Background())
	if err != nil {
		log.Errorf("failed to load genesis: %s", err)
		return
	}

	if hmsg.GenesisHash != gen.Cid() {
		log.Debugf("other peer has different genesis! (%s)", hmsg.GenesisHash)
		_ = s.Conn().Close()
		return
	}

	go func() {
		ctx := context.Background()
		pid := s.Conn().RemotePeer()

		fts, err := hs.mx.FetchTipSet(ctx, pid, types.NewTipSetKey(hmsg.HeaviestTipSet...))
		if err != nil {
			log.Errorf("failed to fetch tipset from peer during hello: %s", err)
			return
		}

		hs.mx.InformNewHead(pid, fts)
	}()
}

// SayHello sends our current head to the given peer. Called for every new
// connection by the network event handler.
func (hs *Service) SayHello(ctx context.Context, pid peer.ID) error {
	s, err := hs.newStream(ctx, pid, ProtocolID)
	if err != nil {
		return xerrors.Errorf("hello stream to %s: %w", pid, err)
	}
	defer s.Close() //nolint:errcheck

	hts, weight := hs.g.HeadWeight()
	if hts == nil {
		return xerrors.New("cannot say hello without a chain head")
	}

	gen, err := hs.cs.GetGenesis(ctx)
	if err != nil {
		return err
	}

	hmsg := &HelloMessage{
		HeaviestTipSet:       hts.Cids(),
		HeaviestTipSetWeight: weight,
		GenesisHash:          gen.Cid(),
	}
	log.Debugw("saying hello", "peer", pid, "tipset", hts.Key(), "height", hts.Height())

	_ = s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := cborutil.WriteCborRPC(s, hmsg); err != nil {
		return err
	}
	_ = s.SetWriteDeadline(time.Time{})

	return nil
}
