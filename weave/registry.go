package weave

import (
	"context"
	"sync"
)

// LoggerRegistry tracks evaluation loggers that have not finished yet. Each Hooks
// value owns one registry, so state never leaks between hook instances.
type LoggerRegistry struct {
	mu      sync.Mutex
	loggers map[*EvaluationLogger]struct{}
}

// NewLoggerRegistry creates an empty registry.
func NewLoggerRegistry() *LoggerRegistry {
	return &LoggerRegistry{loggers: make(map[*EvaluationLogger]struct{})}
}

func (r *LoggerRegistry) add(l *EvaluationLogger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loggers[l] = struct{}{}
}

func (r *LoggerRegistry) remove(l *EvaluationLogger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loggers, l)
}

// Len returns the number of active loggers.
func (r *LoggerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loggers)
}

// Active returns a snapshot of the active loggers.
func (r *LoggerRegistry) Active() []*EvaluationLogger {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]*EvaluationLogger, 0, len(r.loggers))
	for l := range r.loggers {
		active = append(active, l)
	}
	return active
}

// FinishAll finishes every active logger with err.
func (r *LoggerRegistry) FinishAll(ctx context.Context, err error) {
	for _, l := range r.Active() {
		l.Finish(ctx, err)
	}
}
