package tradingManager

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// ReconcileReceipt decodes the logs the bound contract emitted in receipt. Logs from
// other addresses are skipped; logs that do not match the interface are logged and
// skipped.
func (tm *TradingManager) ReconcileReceipt(receipt *types.Receipt) []DecodedEvent {
	events := make([]DecodedEvent, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log == nil || log.Removed || log.Address != tm.contractAddress {
			continue
		}

		event, err := tm.decodeLog(log)
		if err != nil {
			tm.logger.Sugar().Debugw("Skipping undecodable log",
				zap.String("txHash", receipt.TxHash.Hex()),
				zap.Error(err),
			)
			continue
		}
		events = append(events, *event)
	}
	return events
}

func (tm *TradingManager) decodeLog(log *types.Log) (*DecodedEvent, error) {
	decodeErr := func(err error) error {
		return &DecodingError{LogIndex: log.Index, Address: log.Address, Err: err}
	}

	if len(log.Topics) == 0 {
		return nil, decodeErr(fmt.Errorf("log has no topics"))
	}
	event, err := tm.contractABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, decodeErr(err)
	}

	fields := make(map[string]interface{})
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, log.Data); err != nil {
		return nil, decodeErr(fmt.Errorf("failed to unpack %s data: %w", event.Name, err))
	}

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, decodeErr(fmt.Errorf("failed to parse %s topics: %w", event.Name, err))
	}

	return &DecodedEvent{
		Name:     event.Name,
		Address:  log.Address,
		LogIndex: log.Index,
		Fields:   fields,
	}, nil
}
