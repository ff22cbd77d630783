package event

import (
	"encoding/json"
	"fmt"
)

// Decode unmarshals a stored envelope payload back into its typed event.
// Used during event-log replay; the payload was produced by the engine
// marshaling the same struct.
func Decode(typeName string, payload []byte) (Event, error) {
	evt := newByTypeName(typeName)
	if evt == nil {
		return nil, fmt.Errorf("unknown event type %q", typeName)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return evt, nil
}

func newByTypeName(typeName string) Event {
	switch typeName {
	case TypeDeposited.String():
		return &Deposited{}
	case TypeWithdrawalRequested.String():
		return &WithdrawalRequested{}
	case TypeWithdrawalClaimed.String():
		return &WithdrawalClaimed{}
	case TypeMarketAdded.String():
		return &MarketAdded{}
	case TypePositionAdded.String():
		return &PositionAdded{}
	case TypePositionReduced.String():
		return &PositionReduced{}
	case TypePositionClosed.String():
		return &PositionClosed{}
	case TypeOrderCancelled.String():
		return &OrderCancelled{}
	case TypeOrderFilled.String():
		return &OrderFilled{}
	case TypeFundingFeeSettled.String():
		return &FundingFeeSettled{}
	case TypeCollateralAdded.String():
		return &CollateralAdded{}
	case TypeCollateralReduced.String():
		return &CollateralReduced{}
	case TypePositionLiquidated.String():
		return &PositionLiquidated{}
	case TypeBatchProcessed.String():
		return &BatchProcessed{}
	case TypeParamsUpdated.String():
		return &ParamsUpdated{}
	default:
		return nil
	}
}
