package metrics

// Engine groups the counters the task engine reports. A nil *Engine records nothing.
type Engine struct {
	eventsHandled  *CounterVec
	deadLetters    *CounterVec
	published      *CounterVec
	remindersFired *CounterVec
	remindersLost  *CounterVec
	ledgerPurged   *CounterVec
}

func NewEngine(reg *Registry) *Engine {
	m := &Engine{
		eventsHandled: NewCounterVec(Opts{
			Name: "taskengine_events_handled_total",
			Help: "Deliveries handled by the dispatcher, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		deadLetters: NewCounterVec(Opts{
			Name: "taskengine_dead_letters_total",
			Help: "Events moved to the dead-letter store, by cause.",
		}, []string{"cause"}),
		published: NewCounterVec(Opts{
			Name: "taskengine_publish_total",
			Help: "Publish attempts, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		remindersFired: NewCounterVec(Opts{
			Name: "taskengine_reminders_fired_total",
			Help: "Reminder schedules flipped to fired.",
		}, nil),
		remindersLost: NewCounterVec(Opts{
			Name: "taskengine_reminders_lost_total",
			Help: "Fired reminders whose trigger event could not be published.",
		}, nil),
		ledgerPurged: NewCounterVec(Opts{
			Name: "taskengine_ledger_purged_total",
			Help: "Processed-event records removed by the retention purge.",
		}, nil),
	}
	reg.MustRegister(m.eventsHandled, m.deadLetters, m.published, m.remindersFired, m.remindersLost, m.ledgerPurged)
	return m
}

func (m *Engine) EventHandled(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(eventType, outcome).Inc()
}

func (m *Engine) DeadLettered(cause string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(cause).Inc()
}

func (m *Engine) Published(topic, outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, outcome).Inc()
}

func (m *Engine) RemindersFired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersFired.WithLabelValues().Add(float64(n))
}

func (m *Engine) RemindersLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remindersLost.WithLabelValues().Add(float64(n))
}

func (m *Engine) LedgerPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ledgerPurged.WithLabelValues().Add(float64(n))
}

// HandledCount returns the handled counter for an event type and outcome.
func (m *Engine) HandledCount(eventType, outcome string) float64 {
	if m == nil {
		return 0
	}
	return m.eventsHandled.Value(eventType, outcome)
}

func (m *Engine) DeadLetterCount(cause string) float64 {
	if m == nil {
		return 0
	}
	return m.deadLetters.Value(cause)
}

func (m *Engine) PublishCount(topic, outcome string) float64 {
	if m == nil {
		return 0
	}
	return m.published.Value(topic, outcome)
}

func (m *Engine) LostCount() float64 {
	if m == nil {
		return 0
	}
	return m.remindersLost.Value()
}
