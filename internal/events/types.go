package events

// Event enumerates high-level topics inside the execution engine.
type Event string

const (
	EventMarketTick           Event = "market_tick"
	EventStrategySignal       Event = "strategy_signal"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"
	EventOrderRejected        Event = "order.rejected"
	EventOrderCancelled       Event = "order.cancelled"
	EventRiskRejection        Event = "risk.rejection"
	EventRiskEscalation       Event = "risk.escalation"
	EventKillSwitchTripped    Event = "killswitch.tripped"
	EventKillSwitchReset      Event = "killswitch.reset"
	EventRunnerDegraded       Event = "runner.degraded"
	EventRunnerFailed         Event = "runner.failed"
)
