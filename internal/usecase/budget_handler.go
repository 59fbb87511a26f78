package usecase

import (
	"context"
	"encoding/json"

	"TrapLine/internal/domain/models"
	domrepo "TrapLine/internal/domain/repository"
	"TrapLine/internal/events"
	pkgkafka "TrapLine/pkg/kafka"
	applogger "TrapLine/pkg/logger"
)

// BudgetHandler consumes budget feed messages and refreshes the
// dispatcher's cached equity. Messages for other phases are ignored.
type BudgetHandler struct {
	topic      string
	phase      string
	dispatcher *Dispatcher
	bus        *events.Bus
	metrics    domrepo.Metrics
	l          *applogger.Logger
}

func NewBudgetHandler(topic, phase string, dispatcher *Dispatcher, bus *events.Bus, metrics domrepo.Metrics, l *applogger.Logger) *BudgetHandler {
	return &BudgetHandler{topic: topic, phase: phase, dispatcher: dispatcher, bus: bus, metrics: metrics, l: l}
}

func (h *BudgetHandler) Topic() string { return h.topic }

// incoming message schema: {phase_id, max_notional, state}
func (h *BudgetHandler) Handle(ctx context.Context, b []byte) error {
	var m models.Budget
	if err := json.Unmarshal(b, &m); err != nil {
		h.metrics.RecordError("budget_unmarshal")
		return err
	}
	if m.PhaseID != h.phase {
		return nil
	}

	h.dispatcher.SetEquity(m.MaxNotional)
	h.bus.Publish(events.BudgetUpdated(&m))
	h.l.Info("budget updated",
		applogger.String("phase", m.PhaseID),
		applogger.Float64("max_notional", m.MaxNotional),
		applogger.String("state", m.State))
	return nil
}

var _ pkgkafka.MessageHandler = (*BudgetHandler)(nil)
