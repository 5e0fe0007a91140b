package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"nonce too low", errors.New("nonce too low"), FailureNonceTooLow},
		{"already known", errors.New("already known"), FailureNonceTooLow},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), FailureInsufficientFunds},
		{"underpriced", errors.New("transaction underpriced"), FailureUnderpriced},
		{"replacement underpriced", errors.New("replacement transaction underpriced"), FailureUnderpriced},
		{"endpoints exhausted", txtypes.ErrAllEndpointsExhausted, FailureNetwork},
		{"unrecognized", errors.New("some other node error"), FailureNetwork},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, Classify(c.err))
		})
	}
}
