package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/emperorhan/block-indexer/internal/cache"
	"github.com/emperorhan/block-indexer/internal/chain/solana/rpc"
	"github.com/emperorhan/block-indexer/internal/circuitbreaker"
	"github.com/emperorhan/block-indexer/internal/domain/model"
	"github.com/emperorhan/block-indexer/internal/metrics"
)

const (
	maxPageSize = 1000
	// maxBlocksRange is the widest range getBlocks accepts.
	maxBlocksRange = 500_000
)

// HistorySource answers the backfill queries against a Solana RPC node.
type HistorySource struct {
	client   rpc.RPCClient
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
	pageSize int
	// blocks remembers fetched slots, skipped ones as nil, so overlapping
	// backfills do not fetch the same block twice.
	blocks *cache.LRU[uint64, *model.Block]
}

type HistoryOption func(*HistorySource)

// WithBlockCache keeps up to size fetched blocks for ttl.
func WithBlockCache(size int, ttl time.Duration) HistoryOption {
	return func(s *HistorySource) {
		if size > 0 {
			s.blocks = cache.NewLRU[uint64, *model.Block](size, ttl)
		}
	}
}

func NewHistorySource(client rpc.RPCClient, breaker *circuitbreaker.Breaker, logger *slog.Logger, opts ...HistoryOption) *HistorySource {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HistorySource{
		client:   client,
		breaker:  breaker,
		logger:   logger.With("chain", "solana"),
		pageSize: maxPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HistorySource) call(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Execute(fn)
}

// SlotsForKey walks the signature history of key backward, starting just
// before the signature before (or at the head when empty), and returns the
// ascending distinct slots in [from, to).
func (s *HistorySource) SlotsForKey(ctx context.Context, key string, from, to uint64, before string) ([]uint64, error) {
	seen := make(map[uint64]struct{})
	pages := 0
	for {
		opts := &rpc.GetSignaturesOpts{Limit: s.pageSize, Before: before}
		var sigs []rpc.SignatureInfo
		err := s.call(func() error {
			var err error
			sigs, err = s.client.GetSignaturesForAddress(ctx, key, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("signatures for %s before %q: %w", key, before, err)
		}
		pages++
		if len(sigs) == 0 {
			break
		}

		// Pages are newest first, so the last entry is the oldest.
		for _, sig := range sigs {
			if sig.Slot >= from && sig.Slot < to {
				seen[sig.Slot] = struct{}{}
			}
		}
		oldest := sigs[len(sigs)-1]
		if oldest.Slot < from || len(sigs) < s.pageSize {
			break
		}
		before = oldest.Signature
	}

	slots := sortedSlots(seen)
	s.logger.Debug("resolved signature slots", "key", key, "from", from, "to", to, "pages", pages, "slots", len(slots))
	return slots, nil
}

// SlotsInRange lists confirmed slots in [from, to), asking for at most
// maxBlocksRange slots per getBlocks call.
func (s *HistorySource) SlotsInRange(ctx context.Context, from, to uint64) ([]uint64, error) {
	var slots []uint64
	for lo := from; lo < to; {
		hi := to
		if to-lo > maxBlocksRange {
			hi = lo + maxBlocksRange
		}
		var window []uint64
		err := s.call(func() error {
			var err error
			window, err = s.client.GetBlocks(ctx, lo, hi-1)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("blocks in [%d, %d): %w", lo, hi, err)
		}
		slots = append(slots, window...)
		lo = hi
	}
	return slots, nil
}

// Block fetches one slot. It returns nil, nil for skipped slots.
func (s *HistorySource) Block(ctx context.Context, slot uint64) (*model.Block, error) {
	if s.blocks == nil {
		return s.fetchBlock(ctx, slot)
	}
	if cached, ok := s.blocks.Get(slot); ok {
		metrics.BlockCacheLookups.WithLabelValues("solana", "hit").Inc()
		if cached == nil {
			return nil, nil
		}
		block := cached.Clone()
		return &block, nil
	}
	metrics.BlockCacheLookups.WithLabelValues("solana", "miss").Inc()

	block, err := s.fetchBlock(ctx, slot)
	if err != nil {
		return nil, err
	}
	if block == nil {
		s.blocks.Put(slot, nil)
		return nil, nil
	}
	stored := block.Clone()
	s.blocks.Put(slot, &stored)
	return block, nil
}

func (s *HistorySource) fetchBlock(ctx context.Context, slot uint64) (*model.Block, error) {
	var res *rpc.BlockResult
	err := s.call(func() error {
		var err error
		res, err = s.client.GetBlock(ctx, slot)
		if isSkippedSlot(err) {
			res, err = nil, nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get block %d: %w", slot, err)
	}
	if res == nil {
		return nil, nil
	}
	block := ConvertBlock(slot, res)
	return &block, nil
}

func isSkippedSlot(err error) bool {
	var rpcErr *rpc.RPCError
	return errors.As(err, &rpcErr) && rpcErr.IsSkippedSlot()
}

// ConvertBlock maps a getBlock result onto the chain-neutral block shape.
func ConvertBlock(slot uint64, res *rpc.BlockResult) model.Block {
	block := model.Block{
		Number:       slot,
		Hash:         res.Blockhash,
		ParentHash:   res.PreviousBlockhash,
		Transactions: make([]model.Transaction, 0, len(res.Transactions)),
	}
	if res.BlockTime != nil {
		block.Timestamp = time.Unix(*res.BlockTime, 0).UTC()
	}
	for _, tx := range res.Transactions {
		block.Transactions = append(block.Transactions, convertTransaction(tx))
	}
	return block
}

func convertTransaction(tx rpc.BlockTransaction) model.Transaction {
	out := model.Transaction{Success: true}
	if len(tx.Transaction.Signatures) > 0 {
		out.Signature = tx.Transaction.Signatures[0]
	}
	for _, key := range tx.Transaction.Message.AccountKeys {
		out.Accounts = append(out.Accounts, key.Pubkey)
	}
	seen := make(map[string]struct{})
	for _, ix := range tx.Transaction.Message.Instructions {
		if ix.ProgramID == "" {
			continue
		}
		if _, dup := seen[ix.ProgramID]; dup {
			continue
		}
		seen[ix.ProgramID] = struct{}{}
		out.ProgramIDs = append(out.ProgramIDs, ix.ProgramID)
	}
	if tx.Meta != nil {
		out.Fee = tx.Meta.Fee
		out.Success = tx.Meta.Err == nil
		out.Value = creditedLamports(tx.Meta.PreBalances, tx.Meta.PostBalances)
	}
	return out
}

func creditedLamports(pre, post []int64) uint64 {
	var total uint64
	for i := 0; i < len(pre) && i < len(post); i++ {
		if delta := post[i] - pre[i]; delta > 0 {
			total += uint64(delta)
		}
	}
	return total
}

func sortedSlots(set map[uint64]struct{}) []uint64 {
	slots := make([]uint64, 0, len(set))
	for slot := range set {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}
