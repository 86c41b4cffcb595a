// Package engine orchestrates a download: it spawns a bounded set of
// peer sessions, owns the piece store and scheduler, samples
// throughput once a second, drives a one-way abort signal, invokes a
// progress callback after every newly-verified piece, and finalizes the
// output file on completion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gosw/swarmtorrent/bencode"
	"github.com/gosw/swarmtorrent/logging"
	"github.com/gosw/swarmtorrent/peer"
	"github.com/gosw/swarmtorrent/peersession"
	"github.com/gosw/swarmtorrent/piecestore"
	"github.com/gosw/swarmtorrent/scheduler"
	"golang.org/x/sync/errgroup"
)

// ErrIncomplete is wrapped into the error New returns when the engine
// cannot even be built: the resume journal cannot be read, or a peer ID
// cannot be generated. Download itself reports only a boolean; per-peer
// failures and a failed finalize are logged, not returned.
var ErrIncomplete = errors.New("engine: download did not complete")

// ProgressFunc is invoked after every newly-verified piece with the
// fraction of pieces verified in [0, 1] and a human-readable speed
// string such as "512.00 KB/s".
type ProgressFunc func(fraction float64, speed string)

// Engine downloads one torrent's pieces from a swarm of peers.
type Engine struct {
	metainfo     *bencode.Metainfo
	peers        []peer.Peer
	metainfoPath string
	outputPath   string
	cfg          Config
	log          *slog.Logger

	peerID        [20]byte
	store         *piecestore.Store
	scheduler     *scheduler.Scheduler
	aborted       atomic.Bool
	bytesThisTick atomic.Int64
	speed         atomic.Int64
}

// New constructs an Engine: it parses nothing itself (the caller
// supplies an already-parsed Metainfo and peer list), but it does load
// resume state from the journal at metainfoPath+".state".
func New(mi *bencode.Metainfo, peers []peer.Peer, metainfoPath, outputPath string, cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.New(defaultLogWriter(), logging.Default())
	}
	cfg = cfg.withDefaults()

	store, err := piecestore.Open(metainfoPath, mi.PieceHashes, mi.PieceLength, mi.TotalLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	peerID, err := newPeerID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}

	sched := scheduler.New(mi.NumPieces(), store.VerifiedIndices(), cfg.EndgameThreshold)

	logger.Info("engine initialized",
		slog.Int("num_pieces", mi.NumPieces()),
		slog.Int("resumed_pieces", len(store.VerifiedIndices())),
		slog.Int("peers", len(peers)))

	return &Engine{
		metainfo:     mi,
		peers:        peers,
		metainfoPath: metainfoPath,
		outputPath:   outputPath,
		cfg:          cfg,
		log:          logger,
		peerID:       peerID,
		store:        store,
		scheduler:    sched,
	}, nil
}

// Download runs the swarm until every piece verifies or the context is
// canceled, then finalizes the output file. It returns true iff every
// piece verified and finalization succeeded.
func (e *Engine) Download(ctx context.Context, progress ProgressFunc) bool {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.sampleThroughput(gctx)
		return nil
	})

	peers := e.peers
	if len(peers) > e.cfg.MaxPeers {
		peers = peers[:e.cfg.MaxPeers]
	}
	var livePeers atomic.Int32
	livePeers.Store(int32(len(peers)))
	for _, p := range peers {
		p := p
		g.Go(func() error {
			defer livePeers.Add(-1)
			e.runPeer(gctx, p, progress)
			return nil
		})
	}

	// Block until every piece verifies, every session has ended without
	// completing, or the caller cancels ctx.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return
			case <-ticker.C:
				if e.scheduler.Done() || e.isAborted() {
					return
				}
				if len(peers) > 0 && livePeers.Load() == 0 {
					return
				}
			}
		}
	}()
	<-done

	wasExternallyAborted := ctx.Err() != nil || e.isAborted()
	e.aborted.Store(true)
	cancel()
	_ = g.Wait()

	if !e.scheduler.Done() {
		if wasExternallyAborted {
			e.log.Info("download aborted", slog.Float64("progress", e.scheduler.Progress()))
		} else {
			e.log.Warn("all peer sessions ended without completing", slog.Float64("progress", e.scheduler.Progress()))
		}
		return false
	}

	if err := e.store.Finalize(e.outputPath); err != nil {
		e.log.Error("finalize failed", slog.String("error", err.Error()))
		return false
	}
	e.log.Info("download complete", slog.String("output", e.outputPath))
	return true
}

// Abort sets the one-way abort flag. Download checks it once per second
// and then cancels every peer session; each session also checks it
// before claiming its next piece. A socket read already in progress is
// not interrupted and returns at its own deadline.
func (e *Engine) Abort() {
	e.aborted.Store(true)
}

func (e *Engine) isAborted() bool {
	return e.aborted.Load()
}

// sampleThroughput records bytes downloaded once per SampleInterval and
// updates current_speed, until ctx is done.
func (e *Engine) sampleThroughput(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.speed.Store(e.bytesThisTick.Swap(0))
		}
	}
}

// pollTimeout bounds the opportunistic DrainMessages call in runPeer's
// main loop: short, since an idle peer with nothing unsolicited to say
// must not stall the loop from claiming and fetching the next piece.
const pollTimeout = 200 * time.Millisecond

// runPeer drives one peer session's entire lifecycle: dial, handshake,
// then the claim/fetch/verify loop until the download completes or is
// aborted. Any error is logged and the session simply ends; per-peer
// failures never propagate to the engine.
func (e *Engine) runPeer(ctx context.Context, p peer.Peer, progress ProgressFunc) {
	sess := peersession.New(p)
	if err := sess.Dial(); err != nil {
		e.log.Debug("dial failed", slog.String("peer", p.String()), slog.String("error", err.Error()))
		return
	}
	defer sess.Close()

	if err := sess.Handshake(e.metainfo.InfoHash, e.peerID); err != nil {
		e.log.Debug("handshake failed", slog.String("peer", p.String()), slog.String("error", err.Error()))
		return
	}
	e.log.Info("handshake complete", slog.String("peer", p.String()))

	for {
		if ctx.Err() != nil || e.isAborted() || e.scheduler.Done() {
			return
		}

		if err := sess.SendInterested(); err != nil {
			return
		}
		if err := sess.DrainMessages(8, pollTimeout); err != nil {
			return
		}

		if sess.Choked() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		index, ok := e.scheduler.Claim(sess.Bitfield())
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		e.fetchAndStore(ctx, sess, index, progress)
	}
}

// fetchAndStore fetches one claimed piece, verifies and persists it on
// success, and always releases it back to the scheduler.
func (e *Engine) fetchAndStore(ctx context.Context, sess *peersession.Session, index int, progress ProgressFunc) {
	length := e.metainfo.PieceLen(index)

	data, err := sess.FetchPiece(index, length)
	if err != nil {
		e.log.Debug("fetch failed", slog.Int("index", index), slog.String("error", err.Error()))
		e.scheduler.Release(index, scheduler.Failed)
		return
	}

	if verr := e.store.Verify(index, data); verr != nil {
		e.log.Warn("hash mismatch", slog.Int("index", index))
		e.scheduler.Release(index, scheduler.Failed)
		return
	}

	if e.scheduler.IsVerified(index) {
		// Late endgame duplicate: another session already won this
		// index. Discard without error.
		e.scheduler.Release(index, scheduler.Verified)
		return
	}

	if err := e.store.Save(index, data); err != nil {
		e.log.Error("journal save failed", slog.Int("index", index), slog.String("error", err.Error()))
		e.scheduler.Release(index, scheduler.Failed)
		return
	}

	e.scheduler.Release(index, scheduler.Verified)
	e.bytesThisTick.Add(int64(len(data)))

	if progress != nil {
		progress(e.scheduler.Progress(), e.FormatSpeed())
	}
	e.log.Info("piece verified", slog.Int("index", index), slog.Float64("progress", e.scheduler.Progress()))
}

// FormatSpeed renders the current download speed, matching the
// original implementation's threshold: KB/s at or below 1 MiB/s, MB/s
// above it.
func (e *Engine) FormatSpeed() string {
	return formatSpeed(e.speed.Load())
}

func formatSpeed(bytesPerSec int64) string {
	const mib = 1024 * 1024
	kb := float64(bytesPerSec) / 1024
	if kb <= 1024 {
		return fmt.Sprintf("%.2f KB/s", kb)
	}
	return fmt.Sprintf("%.2f MB/s", float64(bytesPerSec)/mib)
}
