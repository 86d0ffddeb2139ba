package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyBatch is returned when a batch carries no blocks.
var ErrEmptyBatch = errors.New("empty block batch")

// Block is the chain-neutral block shape produced by both the live stream
// and the backfill path.
type Block struct {
	Number       uint64        `json:"block_number"`
	Hash         string        `json:"block_hash"`
	ParentHash   string        `json:"parent_hash,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

type Transaction struct {
	Signature  string   `json:"signature"`
	Accounts   []string `json:"accounts,omitempty"`
	ProgramIDs []string `json:"program_ids,omitempty"`
	Fee        uint64   `json:"fee"`
	// Value is the native amount moved, summed over credited accounts.
	Value      uint64   `json:"value"`
	Success    bool     `json:"success"`
}

// Clone returns a deep copy; the copy shares no slices with b.
func (b Block) Clone() Block {
	out := b
	if b.Transactions != nil {
		out.Transactions = make([]Transaction, len(b.Transactions))
		for i, tx := range b.Transactions {
			out.Transactions[i] = tx.Clone()
		}
	}
	return out
}

func (t Transaction) Clone() Transaction {
	out := t
	out.Accounts = cloneStrings(t.Accounts)
	out.ProgramIDs = cloneStrings(t.ProgramIDs)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

// FirstSignature returns the signature of the first transaction, or "".
func (b Block) FirstSignature() string {
	if len(b.Transactions) == 0 {
		return ""
	}
	return b.Transactions[0].Signature
}

// BlockBatch is a non-empty run of blocks in ascending number order.
type BlockBatch []Block

func (b BlockBatch) First() Block { return b[0] }
func (b BlockBatch) Last() Block  { return b[len(b)-1] }

// Validate checks the batch is non-empty and strictly ascending.
func (b BlockBatch) Validate() error {
	if len(b) == 0 {
		return ErrEmptyBatch
	}
	for i := 1; i < len(b); i++ {
		if b[i].Number <= b[i-1].Number {
			return fmt.Errorf("block batch not ascending at index %d: %d after %d", i, b[i].Number, b[i-1].Number)
		}
	}
	return nil
}

// ReferenceMarker returns the first transaction signature found in the
// batch. Backfill uses it as the upper pagination bound.
func (b BlockBatch) ReferenceMarker() string {
	for _, blk := range b {
		if sig := blk.FirstSignature(); sig != "" {
			return sig
		}
	}
	return ""
}
