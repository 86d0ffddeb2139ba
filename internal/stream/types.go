package stream

import (
	"encoding/json"
	"fmt"

	"github.com/emperorhan/block-indexer/internal/domain/model"
)

type DataType string

const (
	DataTypeBlock       DataType = "block"
	DataTypeTransaction DataType = "transaction"
)

const CompressionZstd = "zstd"

// SubscribeRequest opens a block subscription. StartBlockNumber is nil
// when the server should start at its own head.
type SubscribeRequest struct {
	IndexerID        string          `json:"indexer_id"`
	StartBlockNumber *uint64         `json:"start_block_number,omitempty"`
	ChainKind        model.ChainKind `json:"chain_kind"`
	Network          string          `json:"network"`
	Filter           []byte          `json:"filter,omitempty"`
}

// BlockResponse is one message on the subscription. Payload holds one or
// more JSON encoded blocks.
type BlockResponse struct {
	BlockNumber uint64          `json:"block_number"`
	BlockHash   string          `json:"block_hash"`
	ChainKind   model.ChainKind `json:"chain_kind"`
	DataType    DataType        `json:"data_type"`
	Payload     []byte          `json:"payload"`
	Compression string          `json:"compression,omitempty"`
}

type subscribeFilter struct {
	Keys []string `json:"keys"`
}

// EncodeFilter renders the subscription filter for a set of address keys.
func EncodeFilter(keys []string) ([]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return json.Marshal(subscribeFilter{Keys: keys})
}

// NewSubscribeRequest builds the request for descriptor d starting at block
// start, or at the server head when start is nil.
func NewSubscribeRequest(d model.DataSourceDescriptor, start *uint64) (SubscribeRequest, error) {
	filter, err := EncodeFilter(d.FilterKeys)
	if err != nil {
		return SubscribeRequest{}, fmt.Errorf("encode filter: %w", err)
	}
	return SubscribeRequest{
		IndexerID:        d.ID,
		StartBlockNumber: start,
		ChainKind:        d.Chain,
		Network:          d.Network.String(),
		Filter:           filter,
	}, nil
}
