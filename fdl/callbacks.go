package fdl

// Callbacks provides hooks for session events.
// All callbacks are optional - nil callbacks use default behavior.
//
// Callbacks are presentation-only: nothing in the protocol depends on them,
// and they are invoked synchronously from the calling goroutine.
type Callbacks struct {
	// OnLog is called with human-readable status lines.
	OnLog func(line string)

	// OnProgress is called after every transferred chunk of a long
	// operation with the 1-based chunk index and the chunk total.
	OnProgress func(index, total int)

	// OnStateChanged is called when the session state or protocol stage
	// changes.
	OnStateChanged func(state State, stage Stage)
}

// defaultCallbacks returns a set of callbacks with default implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnLog:          func(string) {},
		OnProgress:     func(int, int) {},
		OnStateChanged: func(State, Stage) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	if user == nil {
		return defaultCallbacks()
	}

	def := defaultCallbacks()
	result := &Callbacks{}

	if user.OnLog != nil {
		result.OnLog = user.OnLog
	} else {
		result.OnLog = def.OnLog
	}

	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	} else {
		result.OnProgress = def.OnProgress
	}

	if user.OnStateChanged != nil {
		result.OnStateChanged = user.OnStateChanged
	} else {
		result.OnStateChanged = def.OnStateChanged
	}

	return result
}
