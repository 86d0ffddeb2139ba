package rpc

import "encoding/json"

// Solana JSON-RPC error codes for slots without a block.
const (
	CodeSlotSkipped                = -32007
	CodeLongTermStorageSlotSkipped = -32009
)

// JSON-RPC request/response types

type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// IsSkippedSlot reports whether the node says the slot holds no block.
func (e *RPCError) IsSkippedSlot() bool {
	return e.Code == CodeSlotSkipped || e.Code == CodeLongTermStorageSlotSkipped
}

// getSignaturesForAddress response
type SignatureInfo struct {
	Signature          string      `json:"signature"`
	Slot               uint64      `json:"slot"`
	BlockTime          *int64      `json:"blockTime"`
	Err                interface{} `json:"err"`
	Memo               *string     `json:"memo"`
	ConfirmationStatus *string     `json:"confirmationStatus"`
}

// getBlock response (jsonParsed, full transaction details)
type BlockResult struct {
	Blockhash         string             `json:"blockhash"`
	PreviousBlockhash string             `json:"previousBlockhash"`
	ParentSlot        uint64             `json:"parentSlot"`
	BlockTime         *int64             `json:"blockTime"`
	BlockHeight       *uint64            `json:"blockHeight"`
	Transactions      []BlockTransaction `json:"transactions"`
}

type BlockTransaction struct {
	Transaction ParsedTransaction `json:"transaction"`
	Meta        *TransactionMeta  `json:"meta"`
}

type ParsedTransaction struct {
	Signatures []string      `json:"signatures"`
	Message    ParsedMessage `json:"message"`
}

type ParsedMessage struct {
	AccountKeys  []AccountKey        `json:"accountKeys"`
	Instructions []ParsedInstruction `json:"instructions"`
}

type AccountKey struct {
	Pubkey   string `json:"pubkey"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

type ParsedInstruction struct {
	ProgramID string          `json:"programId"`
	Program   string          `json:"program,omitempty"`
	Parsed    json.RawMessage `json:"parsed,omitempty"`
}

type TransactionMeta struct {
	Err          interface{} `json:"err"`
	Fee          uint64      `json:"fee"`
	PreBalances  []int64     `json:"preBalances"`
	PostBalances []int64     `json:"postBalances"`
	LogMessages  []string    `json:"logMessages"`
}
