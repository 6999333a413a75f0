// Package ethereum implements the LedgerReader and EventSource ports against
// an EVM escrow contract over JSON-RPC.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeys/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.LedgerReader = (*Reader)(nil)
	_ driven.EventSource  = (*Reader)(nil)
)

// DefaultCallTimeout bounds one call against one endpoint.
const DefaultCallTimeout = 5 * time.Second

// Breaker tuning: an endpoint that fails three calls in a row is skipped
// for breakerCooldown before a single probe call is let through.
const (
	breakerTripAfter = 3
	breakerCooldown  = 30 * time.Second
)

// endpoint is one JSON-RPC URL with its own breaker. The client is dialed
// on first use.
type endpoint struct {
	url     string
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	client *ethclient.Client
}

func (e *endpoint) dial(ctx context.Context) (*ethclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	e.client = client
	return client, nil
}

func (e *endpoint) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// Reader reads the escrow contract through a priority-ordered list of
// JSON-RPC endpoints. Each call falls through to the next endpoint on
// timeout or error and fails with driven.ErrLedgerUnreachable only once
// every endpoint has failed. Nothing is cached.
type Reader struct {
	endpoints []*endpoint
	contract  common.Address
	timeout   time.Duration
}

// NewReader creates a Reader for the contract at contractAddress. urls are
// tried in order on every call.
func NewReader(urls []string, contractAddress string, timeout time.Duration) (*Reader, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one ledger endpoint is required")
	}
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	r := &Reader{
		contract: common.HexToAddress(contractAddress),
		timeout:  timeout,
	}
	for _, u := range urls {
		r.endpoints = append(r.endpoints, &endpoint{
			url: u,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        u,
				MaxRequests: 1,
				Timeout:     breakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= breakerTripAfter
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					slog.Info("ledger endpoint breaker changed state", "endpoint", name, "from", from, "to", to)
				},
			}),
		})
	}

	return r, nil
}

// Close releases every dialed client.
func (r *Reader) Close() {
	for _, ep := range r.endpoints {
		ep.close()
	}
}

// call runs fn against each endpoint in priority order until one succeeds.
// Each attempt gets its own timeout. Endpoints whose breaker is open are
// skipped without a network call.
func (r *Reader) call(ctx context.Context, op string, fn func(ctx context.Context, c *ethclient.Client) error) error {
	var errs *multierror.Error

	for _, ep := range r.endpoints {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}

		_, err := ep.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			client, err := ep.dial(callCtx)
			if err != nil {
				return nil, err
			}
			return nil, fn(callCtx, client)
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Debug("ledger endpoint skipped", "endpoint", ep.url, "op", op, "error", err)
		} else {
			slog.Warn("ledger endpoint failed", "endpoint", ep.url, "op", op, "error", err)
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", ep.url, err))
	}

	return fmt.Errorf("%s: %w: %w", op, driven.ErrLedgerUnreachable, errs.ErrorOrNil())
}

// RecordCount returns the contract's task counter.
func (r *Reader) RecordCount(ctx context.Context) (uint64, error) {
	input, err := contractABI.Pack(methodRecordCount)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", methodRecordCount, err)
	}

	var count uint64
	err = r.call(ctx, "record count", func(ctx context.Context, c *ethclient.Client) error {
		out, err := c.CallContract(ctx, geth.CallMsg{To: &r.contract, Data: input}, nil)
		if err != nil {
			return err
		}

		vals, err := contractABI.Unpack(methodRecordCount, out)
		if err != nil {
			return fmt.Errorf("unpack %s: %w", methodRecordCount, err)
		}
		n, ok := vals[0].(*big.Int)
		if !ok || !n.IsUint64() {
			return fmt.Errorf("unexpected %s result %v", methodRecordCount, vals[0])
		}
		count = n.Uint64()
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// ReadRecord returns the task stored at index. The secondary party is empty
// while the contract holds the zero address.
func (r *Reader) ReadRecord(ctx context.Context, index uint64) (*model.LedgerRecord, error) {
	input, err := contractABI.Pack(methodReadRecord, new(big.Int).SetUint64(index))
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodReadRecord, err)
	}

	var task taskTuple
	err = r.call(ctx, fmt.Sprintf("read record %d", index), func(ctx context.Context, c *ethclient.Client) error {
		out, err := c.CallContract(ctx, geth.CallMsg{To: &r.contract, Data: input}, nil)
		if err != nil {
			return err
		}
		if err := contractABI.UnpackIntoInterface(&task, methodReadRecord, out); err != nil {
			return fmt.Errorf("unpack %s: %w", methodReadRecord, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return toLedgerRecord(index, task), nil
}

// NetworkID returns the chain id reported by the first reachable endpoint.
func (r *Reader) NetworkID(ctx context.Context) (string, error) {
	var id string
	err := r.call(ctx, "chain id", func(ctx context.Context, c *ethclient.Client) error {
		n, err := c.ChainID(ctx)
		if err != nil {
			return err
		}
		id = n.String()
		return nil
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

func toLedgerRecord(index uint64, t taskTuple) *model.LedgerRecord {
	return &model.LedgerRecord{
		RecordID:    index,
		Primary:     addressString(t.Creator),
		Secondary:   addressString(t.Helper),
		Value:       bigString(t.Reward),
		MetadataURI: t.TaskURI,
		Status:      model.LedgerStatus(t.Status),
		CreatedAt:   unixTime(t.CreatedAt),
		AcceptedAt:  unixTime(t.AcceptedAt),
	}
}

func addressString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func unixTime(n *big.Int) time.Time {
	if n == nil || n.Sign() == 0 || !n.IsInt64() {
		return time.Time{}
	}
	return time.Unix(n.Int64(), 0).UTC()
}
