package source

// Registry holds an ordered list of handlers. Classification walks the list
// in order and stops at the first match; the catch-all generic handler sits
// last so classification always succeeds.
type Registry struct {
	handlers []Handler
}

// NewRegistry constructs the default handler chain backed by the provided
// runner.
func NewRegistry(runner Runner) *Registry {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Registry{
		handlers: []Handler{
			&TwitchHandler{runner: runner},
			&YouTubeHandler{runner: runner},
			&AMSSKamereHandler{runner: runner},
			GenericHandler{},
		},
	}
}

// Classify returns the first handler that accepts the URL.
func (r *Registry) Classify(url string) Handler {
	for _, handler := range r.handlers {
		if handler.CanHandle(url) {
			return handler
		}
	}
	// Unreachable with the generic handler installed last.
	return r.handlers[len(r.handlers)-1]
}

// Register inserts a handler at the given priority. Priority 0 puts the
// handler at the front of the chain; anything past the end lands just before
// the catch-all.
func (r *Registry) Register(handler Handler, priority int) {
	if handler == nil {
		return
	}
	if priority < 0 {
		priority = 0
	}
	// Keep the catch-all last.
	limit := len(r.handlers) - 1
	if limit < 0 {
		limit = 0
	}
	if priority > limit {
		priority = limit
	}
	r.handlers = append(r.handlers, nil)
	copy(r.handlers[priority+1:], r.handlers[priority:])
	r.handlers[priority] = handler
}
