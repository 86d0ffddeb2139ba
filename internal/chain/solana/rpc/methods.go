package rpc

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetSlot returns the current slot.
func (c *Client) GetSlot(ctx context.Context, commitment string) (int64, error) {
	params := []interface{}{
		map[string]string{"commitment": commitment},
	}
	result, err := c.call(ctx, "getSlot", params)
	if err != nil {
		return 0, fmt.Errorf("getSlot: %w", err)
	}

	var slot int64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("unmarshal slot: %w", err)
	}
	return slot, nil
}

// GetSignaturesForAddress returns transaction signatures for an address.
// Results are returned newest-first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, opts *GetSignaturesOpts) ([]SignatureInfo, error) {
	config := map[string]interface{}{
		"commitment": "confirmed",
	}
	if opts != nil {
		if opts.Limit > 0 {
			config["limit"] = opts.Limit
		}
		if opts.Before != "" {
			config["before"] = opts.Before
		}
		if opts.Until != "" {
			config["until"] = opts.Until
		}
		if opts.MinContextSlot > 0 {
			config["minContextSlot"] = opts.MinContextSlot
		}
	}

	params := []interface{}{address, config}
	result, err := c.call(ctx, "getSignaturesForAddress", params)
	if err != nil {
		return nil, fmt.Errorf("getSignaturesForAddress: %w", err)
	}

	var sigs []SignatureInfo
	if err := json.Unmarshal(result, &sigs); err != nil {
		return nil, fmt.Errorf("unmarshal signatures: %w", err)
	}
	return sigs, nil
}

type GetSignaturesOpts struct {
	Limit          int
	Before         string // signature to start searching backwards from
	Until          string // signature to search until (exclusive)
	MinContextSlot uint64
}

// GetBlock returns a confirmed block with parsed transactions. A nil result
// with nil error means the node has no block for slot.
func (c *Client) GetBlock(ctx context.Context, slot uint64) (*BlockResult, error) {
	params := []interface{}{
		slot,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"transactionDetails":             "full",
			"rewards":                        false,
			"maxSupportedTransactionVersion": 0,
		},
	}
	result, err := c.call(ctx, "getBlock", params)
	if err != nil {
		return nil, fmt.Errorf("getBlock(%d): %w", slot, err)
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	var block BlockResult
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unmarshal block %d: %w", slot, err)
	}
	return &block, nil
}

// GetBlocks lists confirmed slots in [startSlot, endSlot].
func (c *Client) GetBlocks(ctx context.Context, startSlot, endSlot uint64) ([]uint64, error) {
	params := []interface{}{
		startSlot,
		endSlot,
		map[string]string{"commitment": "confirmed"},
	}
	result, err := c.call(ctx, "getBlocks", params)
	if err != nil {
		return nil, fmt.Errorf("getBlocks(%d,%d): %w", startSlot, endSlot, err)
	}

	var slots []uint64
	if err := json.Unmarshal(result, &slots); err != nil {
		return nil, fmt.Errorf("unmarshal slots: %w", err)
	}
	return slots, nil
}
