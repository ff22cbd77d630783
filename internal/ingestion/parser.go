package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marginledger/internal/core"
	"marginledger/internal/event"
)

// Operation kinds carried by RawMessage.Kind, derived from the subject.
const (
	KindDeposit           = "Deposited"
	KindWithdrawalRequest = "WithdrawalRequested"
	KindWithdrawalClaim   = "WithdrawalClaimed"
	KindPositionOp        = "PositionOp"
	KindBatch             = "Batch"
	KindMarketAdd         = "MarketAdded"
	KindParamsUpdate      = "ParamsUpdated"
)

// BatchRequest is a parsed bulk submission, ready for the dispatcher.
type BatchRequest struct {
	OpID      uuid.UUID
	Mode      core.BatchMode
	Ops       []core.Operation
	Sequence  int64
	Timestamp time.Time
}

// Request is the parsed form of one raw message: exactly one field is set.
type Request struct {
	Event event.Event
	Op    *core.Operation
	Batch *BatchRequest
	// OpTimestamp applies when Op is set (operations don't embed one).
	OpTimestamp time.Time
	OpSequence  int64
}

// ParseRawMessage converts a RawMessage into a typed request. The shell
// validates and parses here, outside the single-threaded core.
func ParseRawMessage(raw RawMessage) (*Request, error) {
	switch raw.Kind {
	case KindDeposit:
		evt, err := parseDeposit(raw.Data)
		return &Request{Event: evt}, err
	case KindWithdrawalRequest:
		evt, err := parseWithdrawalRequest(raw.Data)
		return &Request{Event: evt}, err
	case KindWithdrawalClaim:
		evt, err := parseWithdrawalClaim(raw.Data)
		return &Request{Event: evt}, err
	case KindPositionOp:
		return parsePositionOp(raw.Data)
	case KindBatch:
		batch, err := parseBatch(raw.Data)
		return &Request{Batch: batch}, err
	case KindMarketAdd:
		evt, err := parseMarketAdd(raw.Data)
		return &Request{Event: evt}, err
	case KindParamsUpdate:
		evt, err := parseParamsUpdate(raw.Data)
		return &Request{Event: evt}, err
	default:
		return nil, fmt.Errorf("unknown operation kind: %s", raw.Kind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type fundsJSON struct {
	OpID        string `json:"op_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*event.Deposited, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposited: %w", err)
	}
	opID, userID, err := parseIDs(j.OpID, j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.Deposited{
		OpID:      opID,
		UserID:    userID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalRequest(data []byte) (*event.WithdrawalRequested, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	opID, userID, err := parseIDs(j.OpID, j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawalRequested{
		OpID:      opID,
		UserID:    userID,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdrawalClaim(data []byte) (*event.WithdrawalClaimed, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalClaimed: %w", err)
	}
	opID, userID, err := parseIDs(j.OpID, j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawalClaimed{
		OpID:      opID,
		UserID:    userID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type positionOpJSON struct {
	Op          string `json:"op"`
	OpID        string `json:"op_id"`
	UserID      string `json:"user_id"`
	Market      string `json:"market"` // hex market ID
	Size        int64  `json:"size,omitempty"`
	Fee         int64  `json:"fee,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	IsCredit    bool   `json:"is_credit,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j *positionOpJSON) toOperation() (core.Operation, error) {
	opID, userID, err := parseIDs(j.OpID, j.UserID)
	if err != nil {
		return core.Operation{}, err
	}

	tag := core.OpTag(j.Op)
	switch tag {
	case core.OpAddPosition, core.OpReducePosition, core.OpClosePosition,
		core.OpCancelOrder, core.OpFillOrder, core.OpSettleFundingFee,
		core.OpAddCollateral, core.OpReduceCollateral, core.OpLiquidate:
	default:
		return core.Operation{}, fmt.Errorf("unknown op tag: %q", j.Op)
	}

	return core.Operation{
		Tag:      tag,
		OpID:     opID,
		User:     userID,
		Market:   j.Market,
		Size:     j.Size,
		Fee:      j.Fee,
		Amount:   j.Amount,
		IsCredit: j.IsCredit,
	}, nil
}

func parsePositionOp(data []byte) (*Request, error) {
	var j positionOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse position op: %w", err)
	}
	op, err := j.toOperation()
	if err != nil {
		return nil, err
	}
	return &Request{
		Op:          &op,
		OpSequence:  j.Sequence,
		OpTimestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type batchJSON struct {
	OpID        string           `json:"op_id"`
	Mode        string           `json:"mode"` // "fee" or "non_fee"
	Ops         []positionOpJSON `json:"ops"`
	Sequence    int64            `json:"sequence"`
	TimestampUs int64            `json:"timestamp_us"`
}

func parseBatch(data []byte) (*BatchRequest, error) {
	var j batchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}

	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}

	var mode core.BatchMode
	switch j.Mode {
	case string(core.FeeMode):
		mode = core.FeeMode
	case string(core.NonFeeMode):
		mode = core.NonFeeMode
	default:
		return nil, fmt.Errorf("unknown batch mode: %q", j.Mode)
	}

	ops := make([]core.Operation, 0, len(j.Ops))
	for i := range j.Ops {
		op, err := j.Ops[i].toOperation()
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		ops = append(ops, op)
	}

	return &BatchRequest{
		OpID:      opID,
		Mode:      mode,
		Ops:       ops,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type marketAddJSON struct {
	OpID        string `json:"op_id"`
	Name        string `json:"name"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseMarketAdd(data []byte) (*event.MarketAdded, error) {
	var j marketAddJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketAdded: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	if j.Name == "" {
		return nil, fmt.Errorf("market name must not be empty")
	}
	return &event.MarketAdded{
		OpID:      opID,
		Name:      j.Name,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type paramsUpdateJSON struct {
	OpID        string `json:"op_id"`
	Param       string `json:"param"`
	Value       string `json:"value"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseParamsUpdate(data []byte) (*event.ParamsUpdated, error) {
	var j paramsUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ParamsUpdated: %w", err)
	}
	opID, err := uuid.Parse(j.OpID)
	if err != nil {
		return nil, fmt.Errorf("parse op_id: %w", err)
	}
	return &event.ParamsUpdated{
		OpID:      opID,
		Param:     j.Param,
		Value:     j.Value,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseIDs(opID, userID string) (uuid.UUID, uuid.UUID, error) {
	op, err := uuid.Parse(opID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse op_id: %w", err)
	}
	user, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("parse user_id: %w", err)
	}
	return op, user, nil
}
