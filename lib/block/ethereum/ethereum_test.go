package ethereum

import (
	"errors"
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/tarancss/fundpool/lib/block/types"
	"github.com/tarancss/fundpool/lib/retry"
)

// jsonErr mimics a JSON-RPC error object returned by a node.
type jsonErr struct {
	code int
	msg  string
	data interface{}
}

func (e *jsonErr) Error() string          { return e.msg }
func (e *jsonErr) ErrorCode() int         { return e.code }
func (e *jsonErr) ErrorData() interface{} { return e.data }

func revertData(t *testing.T, reason string) string {
	t.Helper()

	str, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("err:%v", err)
	}

	packed, err := abi.Arguments{{Type: str}}.Pack(reason)
	if err != nil {
		t.Fatalf("err:%v", err)
	}

	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

// TestMapErr checks node errors are converted to the types callers classify.
func TestMapErr(t *testing.T) {
	if mapErr(nil) != nil {
		t.Errorf("nil error should stay nil")
	}

	// revert with reason data
	err := mapErr(&jsonErr{code: 3, msg: "execution reverted", data: revertData(t, "ERC20: insufficient allowance")})

	var re *types.RevertError
	if !errors.As(err, &re) || re.Reason != "ERC20: insufficient allowance" || !errors.Is(err, types.ErrReverted) {
		t.Errorf("revert not decoded: %v", err)
	}

	// revert without data keeps the message
	err = mapErr(&jsonErr{code: -32000, msg: "execution reverted: paused"})
	if !errors.As(err, &re) || re.Reason != "paused" {
		t.Errorf("revert without data not decoded: %v", err)
	}

	// throttled HTTP responses become retryable status errors
	err = mapErr(rpc.HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"})
	if !retry.IsRetryable(err) {
		t.Errorf("429 should be retryable: %v", err)
	}

	// JSON-RPC -32005 rate limiting passes through and is retryable
	err = mapErr(&jsonErr{code: -32005, msg: "limit exceeded"})
	if !retry.IsRetryable(err) {
		t.Errorf("-32005 should be retryable: %v", err)
	}

	// anything else is left as is
	plain := errors.New("nonce too low")
	if mapErr(plain) != plain || retry.IsRetryable(plain) {
		t.Errorf("plain errors must pass through and be fatal")
	}
}
