package ledger

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type LedgerTestSuite struct {
	suite.Suite
	ledger *Ledger
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}

func (suite *LedgerTestSuite) SetupTest() {
	suite.ledger = New(logger.NewNopLogger())
	suite.ledger.SetClock(time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC))
}

func (suite *LedgerTestSuite) TestEntryOrderAssignsUniqueIndices() {
	first, err := suite.ledger.EntryOrder(100, "NIFTY27Jul2319500CE", 50, types.PositionStatusLong, nil)
	suite.Require().NoError(err)

	second, err := suite.ledger.EntryOrder(200, "NIFTY27Jul2319500PE", 50, types.PositionStatusShort, nil)
	suite.Require().NoError(err)

	suite.NotEqual(first, second)
	suite.Equal(2, suite.ledger.OpenCount())

	pos := suite.ledger.OpenPosition(first)
	suite.Require().True(pos.IsSome())
	suite.Equal("NIFTY27Jul2319500CE", pos.Unwrap().Symbol)
	suite.InDelta(100.0, pos.Unwrap().MarkPrice, 1e-9, "mark price starts at entry price")
	suite.Zero(pos.Unwrap().UnrealizedPnl)
}

func (suite *LedgerTestSuite) TestEntryOrderRejectsBadQuantity() {
	for _, qty := range []float64{0, -10} {
		_, err := suite.ledger.EntryOrder(100, "NIFTY", qty, types.PositionStatusLong, nil)
		suite.Require().Error(err)
		suite.True(errors.HasCode(err, errors.ErrCodeInvalidOrder))
	}

	suite.Zero(suite.ledger.OpenCount())
}

func (suite *LedgerTestSuite) TestEntryOrderRejectsBadStatus() {
	_, err := suite.ledger.EntryOrder(100, "NIFTY", 50, types.PositionStatus(0), nil)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidOrder))
}

func (suite *LedgerTestSuite) TestEntryOrderRejectsUndeclaredExtraColumn() {
	_, err := suite.ledger.EntryOrder(100, "NIFTY", 50, types.PositionStatusLong, map[string]string{"leg": "hedge"})
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidOrder))

	suite.Require().NoError(suite.ledger.AddColumns("leg"))

	_, err = suite.ledger.EntryOrder(100, "NIFTY", 50, types.PositionStatusLong, map[string]string{"leg": "hedge"})
	suite.NoError(err)
}

func (suite *LedgerTestSuite) TestAddColumnsRejectsDuplicates() {
	suite.Require().NoError(suite.ledger.AddColumns("leg", "basket"))

	err := suite.ledger.AddColumns("basket")
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDuplicateColumn))

	// A duplicate within one call must not partially apply.
	err = suite.ledger.AddColumns("reason", "reason")
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDuplicateColumn))
	suite.Equal([]string{"leg", "basket"}, suite.ledger.Columns())
}

func (suite *LedgerTestSuite) TestMarkExitLifecycle() {
	entry := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	suite.ledger.SetClock(entry)

	index, err := suite.ledger.EntryOrder(100, "NIFTY27Jul2319500CE", 1, types.PositionStatusLong, nil)
	suite.Require().NoError(err)

	suite.ledger.SetClock(entry.Add(time.Minute))
	suite.ledger.MarkToMarket(func(string) optional.Option[float64] {
		return optional.Some(110.0)
	})

	totals := suite.ledger.Totals()
	suite.InDelta(10.0, totals.Unrealized, 1e-9)
	suite.InDelta(0.0, totals.Realized, 1e-9)
	suite.InDelta(10.0, totals.Net, 1e-9)

	suite.ledger.SetClock(entry.Add(2 * time.Minute))
	closed, err := suite.ledger.ExitOrder(index, types.ExitTypeTarget, optional.Some(105.0))
	suite.Require().NoError(err)
	suite.InDelta(5.0, closed.RealizedPnl, 1e-9)
	suite.Equal(entry, closed.EntryTime)
	suite.Equal(entry.Add(2*time.Minute), closed.ExitTime)

	suite.Zero(suite.ledger.OpenCount())
	suite.Equal(1, suite.ledger.ClosedCount())

	totals = suite.ledger.Totals()
	suite.InDelta(0.0, totals.Unrealized, 1e-9)
	suite.InDelta(5.0, totals.Realized, 1e-9)
	suite.InDelta(5.0, totals.Net, 1e-9)
}

func (suite *LedgerTestSuite) TestExitOrderUnknownIndex() {
	_, err := suite.ledger.ExitOrder(42, types.ExitTypeTarget, optional.None[float64]())
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeUnknownIndex))
}

func (suite *LedgerTestSuite) TestExitOrderTwiceFails() {
	index, err := suite.ledger.EntryOrder(100, "NIFTY", 1, types.PositionStatusLong, nil)
	suite.Require().NoError(err)

	_, err = suite.ledger.ExitOrder(index, types.ExitTypeTarget, optional.Some(105.0))
	suite.Require().NoError(err)

	_, err = suite.ledger.ExitOrder(index, types.ExitTypeTarget, optional.Some(105.0))
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeUnknownIndex))
	suite.Equal(1, suite.ledger.ClosedCount(), "failed exit must not touch the closed table")
}

func (suite *LedgerTestSuite) TestExitWithoutPriceUsesLastMark() {
	index, err := suite.ledger.EntryOrder(100, "NIFTY", 2, types.PositionStatusShort, nil)
	suite.Require().NoError(err)

	suite.ledger.MarkToMarket(func(string) optional.Option[float64] {
		return optional.Some(95.0)
	})

	closed, err := suite.ledger.ExitOrder(index, types.ExitTypeTimeUp, optional.None[float64]())
	suite.Require().NoError(err)
	suite.InDelta(95.0, closed.ExitPrice, 1e-9)
	suite.InDelta(10.0, closed.RealizedPnl, 1e-9, "short gains when price falls")
}

func (suite *LedgerTestSuite) TestExitWithoutPriceOrMarkUsesEntry() {
	index, err := suite.ledger.EntryOrder(100, "NIFTY", 1, types.PositionStatusLong, nil)
	suite.Require().NoError(err)

	closed, err := suite.ledger.ExitOrder(index, types.ExitTypeTimeUp, optional.None[float64]())
	suite.Require().NoError(err)
	suite.InDelta(100.0, closed.ExitPrice, 1e-9)
	suite.Zero(closed.RealizedPnl)
}
