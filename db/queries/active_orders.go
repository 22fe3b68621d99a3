package queries

import (
	"github.com/p2psats/tradehub/db"
	"gorm.io/gorm"
)

// nonTerminalStatuses are every status an order can still move out of.
var nonTerminalStatuses = []db.OrderStatus{
	db.OrderStatusWaitingMakerBond,
	db.OrderStatusPublic,
	db.OrderStatusPaused,
	db.OrderStatusWaitingTakerBond,
	db.OrderStatusWaitingBothBuyerInvoiceAndEscrow,
	db.OrderStatusWaitingSellerEscrow,
	db.OrderStatusWaitingBuyerInvoice,
	db.OrderStatusChat,
	db.OrderStatusFiatSent,
	db.OrderStatusDispute,
	db.OrderStatusWaitingDisputeResolution,
	db.OrderStatusPaying,
}

// CountActiveOrders returns how many non-terminal orders the robot
// participates in, as maker or taker. Trading is limited to one live
// order per robot.
func CountActiveOrders(tx *gorm.DB, robotId uint) int64 {
	var count int64
	tx.
		Model(&db.Order{}).
		Where("(maker_id = ? OR taker_id = ?) AND status IN ?", robotId, robotId, nonTerminalStatuses).
		Count(&count)
	return count
}

// SumLockedBonds returns the total satoshis currently locked in bond
// hold invoices across live orders, for balance sanity checks.
func SumLockedBonds(tx *gorm.DB) int64 {
	var locked struct {
		Sum int64
	}
	tx.
		Table("ln_payments").
		Select("COALESCE(SUM(num_satoshis), 0) as sum").
		Where("concept IN ? AND status = ?",
			[]db.LNPaymentConcept{db.LNPaymentConceptMakerBond, db.LNPaymentConceptTakerBond},
			db.LNPaymentStatusLocked).
		Scan(&locked)
	return locked.Sum
}

// GetCoordinatorProceeds sums the proceeds accrued on terminal orders.
func GetCoordinatorProceeds(tx *gorm.DB) int64 {
	var proceeds struct {
		Sum int64
	}
	tx.
		Table("orders").
		Select("COALESCE(SUM(proceeds), 0) as sum").
		Scan(&proceeds)
	return proceeds.Sum
}
