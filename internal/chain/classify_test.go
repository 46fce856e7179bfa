package chain

import (
	"errors"
	"testing"

	"github.com/oraclerunner/runner/internal/oraclerr"
)

func TestClassifyRPCError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want oraclerr.Kind
	}{
		{"timeout", errors.New("read tcp: i/o timeout"), oraclerr.Transient},
		{"rate limited", errors.New("429 Too Many Requests"), oraclerr.Transient},
		{"already resolved", errors.New("execution reverted: already resolved"), oraclerr.AlreadyTerminal},
		{"already committed", errors.New("execution reverted: AlreadyCommitted"), oraclerr.ConflictingCommit},
		{"generic revert", errors.New("execution reverted: outside dispute window"), oraclerr.Permanent},
		{"unknown", errors.New("weird upstream glitch"), oraclerr.Transient},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := classifyRPCError("chain.test", c.err)
			if oraclerr.KindOf(got) != c.want {
				t.Fatalf("expected kind %s, got %s", c.want, oraclerr.KindOf(got))
			}
		})
	}
}
