package taskengine

import (
	"github.com/todo-1m/automation/internal/app/dispatcher"
	"github.com/todo-1m/automation/internal/app/recurrence"
	"github.com/todo-1m/automation/internal/app/reminder"
)

// Routes wires the engine's handlers into the dispatch table. Completion runs the
// recurrence generator and the reminder cancellation in one transaction.
func Routes(gen *recurrence.Generator, sched *reminder.Scheduler, notifier *reminder.Notifier) dispatcher.Routes {
	return dispatcher.Routes{
		TaskCreated:       sched,
		TaskUpdated:       sched,
		TaskCompleted:     dispatcher.Chain(gen, sched),
		TaskDeleted:       sched,
		ReminderTriggered: notifier,
	}
}
