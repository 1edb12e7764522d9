package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/fundlock/fundlock/internal/escrow"
	"github.com/fundlock/fundlock/internal/idgen"
	"github.com/fundlock/fundlock/internal/money"
)

// Emitter translates escrow domain events into webhook dispatches. It
// implements the escrow service's EventEmitter interface. All methods are
// fire-and-forget: errors are logged but never returned, so a broken
// subscriber can never fail a money movement.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// emit delivers one event to every party's matching subscriptions.
func (e *Emitter) emit(eventType EventType, userIDs []string, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if err := e.d.DispatchToUser(ctx, userID, event); err != nil {
			e.logger.Warn("webhook emit failed", "event", eventType, "user", userID, "error", err)
		}
	}
}

func parties(acct *escrow.Account) []string {
	return []string{acct.ClientID, acct.FreelancerID}
}

func accountData(acct *escrow.Account) map[string]interface{} {
	return map[string]interface{}{
		"escrowId":     acct.ID,
		"contractId":   acct.ContractID,
		"clientId":     acct.ClientID,
		"freelancerId": acct.FreelancerID,
		"totalAmount":  money.Format(acct.TotalAmount),
		"status":       string(acct.Status),
	}
}

func milestoneData(acct *escrow.Account, ms *escrow.Milestone) map[string]interface{} {
	data := accountData(acct)
	data["milestoneId"] = ms.ID
	data["milestoneTitle"] = ms.Title
	data["amount"] = money.Format(ms.Amount)
	data["milestoneStatus"] = string(ms.Status)
	return data
}

// EscrowCreated emits an escrow.created event.
func (e *Emitter) EscrowCreated(acct *escrow.Account) {
	e.emit(EventEscrowCreated, parties(acct), accountData(acct))
}

// MilestoneFunded emits an escrow.funded event.
func (e *Emitter) MilestoneFunded(acct *escrow.Account, ms *escrow.Milestone) {
	e.emit(EventEscrowFunded, parties(acct), milestoneData(acct, ms))
}

// MilestoneReleased emits a milestone.released event.
func (e *Emitter) MilestoneReleased(acct *escrow.Account, ms *escrow.Milestone) {
	e.emit(EventMilestoneReleased, parties(acct), milestoneData(acct, ms))
}

// MilestoneDisputed emits a milestone.disputed event.
func (e *Emitter) MilestoneDisputed(acct *escrow.Account, ms *escrow.Milestone) {
	data := milestoneData(acct, ms)
	data["reason"] = ms.DisputeReason
	e.emit(EventMilestoneDisputed, parties(acct), data)
}

// MilestoneRefunded emits a milestone.refunded event.
func (e *Emitter) MilestoneRefunded(acct *escrow.Account, ms *escrow.Milestone) {
	e.emit(EventMilestoneRefunded, parties(acct), milestoneData(acct, ms))
}

// AccountCompleted emits an escrow.completed event.
func (e *Emitter) AccountCompleted(acct *escrow.Account) {
	data := accountData(acct)
	data["releasedAmount"] = money.Format(acct.ReleasedAmount)
	e.emit(EventEscrowCompleted, parties(acct), data)
}

// AccountCancelled emits an escrow.cancelled event.
func (e *Emitter) AccountCancelled(acct *escrow.Account) {
	e.emit(EventEscrowCancelled, parties(acct), accountData(acct))
}
