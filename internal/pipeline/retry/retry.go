package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	solanarpc "github.com/emperorhan/block-indexer/internal/chain/solana/rpc"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides whether err is worth retrying. Explicit marks win, then
// typed errors in rule order, then message tokens. Anything unrecognized is
// terminal.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}
	for _, rule := range classifyRules {
		if d, ok := rule(err); ok {
			return d
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}
	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

type classifyRule func(error) (Decision, bool)

// Order matters: a handler error wrapping a deadline is still a handler
// failure, and cancellation always stops the loop.
var classifyRules = []classifyRule{
	classifyMarked,
	classifyCanceled,
	classifyAs[*PluginLoadError](ClassTerminal, "plugin_load"),
	classifyAs[*TimeoutError](ClassTransient, "receive_timeout"),
	classifyAs[*ConnectionError](ClassTransient, "connection"),
	classifyAs[*DecodeError](ClassTerminal, "decode"),
	classifyAs[*HandlerError](ClassTerminal, "handler"),
	classifyDeadline,
	classifyGRPC,
	classifyNetTimeout,
	classifySolanaRPC,
	classifyStorage,
}

func classifyAs[T error](class Class, reason string) classifyRule {
	return func(err error) (Decision, bool) {
		var target T
		if errors.As(err, &target) {
			return Decision{Class: class, Reason: reason}, true
		}
		return Decision{}, false
	}
}

func classifyMarked(err error) (Decision, bool) {
	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}, true
	}
	return Decision{}, false
}

func classifyCanceled(err error) (Decision, bool) {
	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}, true
	}
	return Decision{}, false
}

func classifyDeadline(err error) (Decision, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}, true
	}
	return Decision{}, false
}

func classifyGRPC(err error) (Decision, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return Decision{}, false
	}
	reason := "grpc_" + strings.ToLower(st.Code().String())
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return Decision{Class: ClassTransient, Reason: reason}, true
	default:
		return Decision{Class: ClassTerminal, Reason: reason}, true
	}
}

func classifyNetTimeout(err error) (Decision, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}, true
	}
	return Decision{}, false
}

func classifySolanaRPC(err error) (Decision, bool) {
	var solErr *solanarpc.RPCError
	if errors.As(err, &solErr) {
		return classifyJSONRPCCode(solErr.Code), true
	}
	return Decision{}, false
}

// classifyStorage prefers the SQLSTATE reported by either driver and falls
// back to the message text.
func classifyStorage(err error) (Decision, bool) {
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		return Decision{}, false
	}
	if code := sqlState(storageErr.Err); code != "" {
		if transientSQLState(code) {
			return Decision{Class: ClassTransient, Reason: "storage_sqlstate_" + code}, true
		}
		return Decision{Class: ClassTerminal, Reason: "storage_sqlstate_" + code}, true
	}
	if containsAny(strings.ToLower(storageErr.Err.Error()), transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "storage_transient"}, true
	}
	return Decision{Class: ClassTerminal, Reason: "storage"}, true
}

func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// transientSQLState reports SQLSTATE classes that clear up on their own:
// 08 connection, 40 serialization/deadlock, 53 resources, 57 operator
// intervention including statement_timeout.
func transientSQLState(code string) bool {
	if len(code) != 5 {
		return false
	}
	switch code[:2] {
	case "08", "40", "53", "57":
		return true
	}
	return false
}

func classifyJSONRPCCode(code int) Decision {
	if code == solanarpc.CodeSlotSkipped || code == solanarpc.CodeLongTermStorageSlotSkipped {
		return Decision{Class: ClassTerminal, Reason: "jsonrpc_slot_skipped"}
	}
	if code == -32603 || code == -32005 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_transient"}
	}
	if code <= -32000 && code >= -32099 {
		return Decision{Class: ClassTransient, Reason: "jsonrpc_server_range"}
	}
	return Decision{Class: ClassTerminal, Reason: "jsonrpc_terminal"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"serialization failure",
	"deadlock detected",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid params",
	"method not found",
	"parse error",
	"not found",
	"constraint violation",
	"duplicate key",
}
