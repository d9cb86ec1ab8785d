package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/car-trading-go/pkg/types"
)

// MarshalTradeRecord serializes a TradeRecord to JSON bytes.
func MarshalTradeRecord(record *types.TradeRecord) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("cannot marshal nil TradeRecord")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TradeRecord to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalTradeRecord deserializes a TradeRecord from JSON bytes.
func UnmarshalTradeRecord(data []byte) (*types.TradeRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var record types.TradeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to TradeRecord: %w", err)
	}

	return &record, nil
}

// MarshalCarSnapshot serializes a CarSnapshot to JSON bytes.
func MarshalCarSnapshot(snapshot *types.CarSnapshot) ([]byte, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("cannot marshal nil CarSnapshot")
	}

	return json.Marshal(snapshot)
}

// UnmarshalCarSnapshot deserializes a CarSnapshot from JSON bytes.
func UnmarshalCarSnapshot(data []byte) (*types.CarSnapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var snapshot types.CarSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to CarSnapshot: %w", err)
	}

	return &snapshot, nil
}

// CopyTradeRecord deep-copies a record so stored values cannot be mutated by callers.
func CopyTradeRecord(record *types.TradeRecord) *types.TradeRecord {
	if record == nil {
		return nil
	}
	c := *record
	if record.Args != nil {
		c.Args = append([]string(nil), record.Args...)
	}
	if record.Nonce != nil {
		nonce := *record.Nonce
		c.Nonce = &nonce
	}
	if record.Events != nil {
		c.Events = make([]types.EventRecord, len(record.Events))
		for i, e := range record.Events {
			fields := make(map[string]string, len(e.Fields))
			for k, v := range e.Fields {
				fields[k] = v
			}
			c.Events[i] = types.EventRecord{Name: e.Name, LogIndex: e.LogIndex, Fields: fields}
		}
	}
	return &c
}

func CopyCarSnapshot(snapshot *types.CarSnapshot) *types.CarSnapshot {
	if snapshot == nil {
		return nil
	}
	c := *snapshot
	return &c
}
