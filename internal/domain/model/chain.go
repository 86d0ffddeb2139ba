package model

import (
	"fmt"
	"strings"
)

// ChainKind identifies the chain family a data source reads from.
type ChainKind string

const (
	ChainSolana   ChainKind = "solana"
	ChainEthereum ChainKind = "ethereum"
)

func (c ChainKind) String() string {
	return string(c)
}

// ParseChainKind normalizes a manifest value into a known ChainKind.
func ParseChainKind(raw string) (ChainKind, error) {
	switch ChainKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ChainSolana:
		return ChainSolana, nil
	case ChainEthereum:
		return ChainEthereum, nil
	default:
		return "", fmt.Errorf("unsupported chain kind %q", raw)
	}
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkDevnet  Network = "devnet"
	NetworkTestnet Network = "testnet"
)

func (n Network) String() string {
	return string(n)
}
