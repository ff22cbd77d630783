package state

import "fmt"

// CollateralSinks tracks value routed out of the user ledgers.
//
// Treasury and insurance are external collaborators: amounts routed to them
// leave the custodied reserve, and the totals here are lifetime counters for
// auditability. The funding-fee reserve stays in custody: funding-fee debits
// accumulate here and funding-fee credits are paid back out of it.
// Not thread-safe; only accessed from the single-threaded engine.
type CollateralSinks struct {
	treasuryTotal     int64
	insuranceTotal    int64
	fundingFeeReserve int64
}

func NewCollateralSinks() *CollateralSinks {
	return &CollateralSinks{}
}

// RouteTreasury records a fee paid out to the treasury.
func (s *CollateralSinks) RouteTreasury(amount int64) {
	s.treasuryTotal += amount
}

// RouteInsurance records a liquidation fee paid out to the insurance fund.
func (s *CollateralSinks) RouteInsurance(amount int64) {
	s.insuranceTotal += amount
}

// TreasuryTotal returns the lifetime amount routed to treasury.
func (s *CollateralSinks) TreasuryTotal() int64 {
	return s.treasuryTotal
}

// InsuranceTotal returns the lifetime amount routed to insurance.
func (s *CollateralSinks) InsuranceTotal() int64 {
	return s.insuranceTotal
}

// FundFeeReserve adds a collected funding fee to the reserve.
func (s *CollateralSinks) FundFeeReserve(amount int64) {
	s.fundingFeeReserve += amount
}

// DrawFeeReserve removes amount from the funding-fee reserve. The caller
// must have checked sufficiency; a negative reserve is a ledger corruption.
func (s *CollateralSinks) DrawFeeReserve(amount int64) {
	if amount > s.fundingFeeReserve {
		panic(fmt.Sprintf("FATAL: funding-fee reserve overdraw: have=%d, need=%d",
			s.fundingFeeReserve, amount))
	}
	s.fundingFeeReserve -= amount
}

// FeeReserve returns the current collected-funding-fee reserve.
func (s *CollateralSinks) FeeReserve() int64 {
	return s.fundingFeeReserve
}

// Restore replaces the sink counters (snapshot recovery).
func (s *CollateralSinks) Restore(treasury, insurance, feeReserve int64) {
	s.treasuryTotal = treasury
	s.insuranceTotal = insurance
	s.fundingFeeReserve = feeReserve
}
