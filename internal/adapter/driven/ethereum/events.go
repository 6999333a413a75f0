package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ericfisherdev/ledgerkeys/internal/domain/model"
)

// LatestBlock returns the current chain head.
func (r *Reader) LatestBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := r.call(ctx, "latest block", func(ctx context.Context, c *ethclient.Client) error {
		n, err := c.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	return head, nil
}

// FilterEvents returns the TaskCreated and TaskAccepted events the contract
// emitted in [fromBlock, toBlock], ordered by block then log index. Logs
// removed by a reorg and logs that fail to decode are skipped.
func (r *Reader) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]model.LedgerEvent, error) {
	query := geth.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{r.contract},
		Topics: [][]common.Hash{{
			contractABI.Events[eventCreated].ID,
			contractABI.Events[eventAccepted].ID,
		}},
	}

	var logs []types.Log
	err := r.call(ctx, fmt.Sprintf("filter events %d-%d", fromBlock, toBlock), func(ctx context.Context, c *ethclient.Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]model.LedgerEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}

		ev, ok, err := decodeLog(lg)
		if err != nil {
			slog.Warn("skipping undecodable ledger log",
				"block", lg.BlockNumber,
				"log_index", lg.Index,
				"tx", lg.TxHash.Hex(),
				"error", err,
			)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	return events, nil
}

// decodeLog converts a contract log into a ledger event. ok is false for
// logs of events the feed does not consume.
func decodeLog(lg types.Log) (ev model.LedgerEvent, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return ev, false, nil
	}

	ev.BlockNumber = lg.BlockNumber
	ev.LogIndex = lg.Index

	switch lg.Topics[0] {
	case contractABI.Events[eventCreated].ID:
		if len(lg.Topics) < 3 {
			return ev, false, fmt.Errorf("%s log has %d topics", eventCreated, len(lg.Topics))
		}
		vals, err := contractABI.Unpack(eventCreated, lg.Data)
		if err != nil {
			return ev, false, fmt.Errorf("unpack %s: %w", eventCreated, err)
		}
		uri, _ := vals[0].(string)

		ev.Kind = model.EventRecordCreated
		ev.RecordID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		ev.Primary = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		ev.MetadataURI = uri
		return ev, true, nil

	case contractABI.Events[eventAccepted].ID:
		if len(lg.Topics) < 3 {
			return ev, false, fmt.Errorf("%s log has %d topics", eventAccepted, len(lg.Topics))
		}

		ev.Kind = model.EventRecordAccepted
		ev.RecordID = new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		ev.Secondary = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
		return ev, true, nil

	default:
		return ev, false, nil
	}
}
