package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/oraclerunner/runner/internal/oraclerr"
)

// classifyRPCError maps a go-ethereum/transport-level error into the
// runner's error taxonomy, per spec.md §4.4's failure semantics:
// transient RPC trouble is retryable, contract reverts are not (unless
// the revert reason says "already resolved", which the caller treats
// as success).
func classifyRPCError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return oraclerr.Wrap(oraclerr.Transient, op, "rpc call timed out", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline", "rate limit", "too many requests", "connection reset", "connection refused", "eof", "temporarily unavailable", "503"):
		return oraclerr.Wrap(oraclerr.Transient, op, "transient rpc error", err)
	case containsAny(msg, "already resolved", "alreadyresolved"):
		return oraclerr.Wrap(oraclerr.AlreadyTerminal, op, "market already resolved", err)
	case containsAny(msg, "already committed", "alreadycommitted"):
		return oraclerr.Wrap(oraclerr.ConflictingCommit, op, "market already has a committed outcome", err)
	case containsAny(msg, "revert", "execution reverted", "out of gas", "nonce too low", "replacement transaction underpriced"):
		return oraclerr.Wrap(oraclerr.Permanent, op, "contract call reverted", err)
	default:
		return oraclerr.Wrap(oraclerr.Transient, op, "unclassified rpc error, treated as transient", err)
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
