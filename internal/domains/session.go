package domains

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// Session states.
const (
	StateNone       = "none"
	StateLocking    = "locking"
	StateEditing    = "editing"
	StateCommitting = "committing"
	StateReverting  = "reverting"
	StateRestoring  = "restoring"
)

// Session events.
const (
	EventLock    = "lock"
	EventEdit    = "edit"
	EventAbort   = "abort"
	EventCommit  = "commit"
	EventRevert  = "revert"
	EventRelease = "release"
	EventRestore = "restore"
)

// Session tracks the lifecycle of one host's edit sessions:
// none -> locking -> editing -> committing|reverting -> none, and
// none -> restoring -> editing after a restart.
type Session struct {
	mu     sync.RWMutex
	name   string
	fsm    *fsm.FSM
	logger *zap.SugaredLogger
}

// NewSession returns a session in state none.
func NewSession(name string, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Session{name: name, logger: logger}
	s.fsm = fsm.NewFSM(
		StateNone,
		fsm.Events{
			{Name: EventLock, Src: []string{StateNone}, Dst: StateLocking},
			{Name: EventEdit, Src: []string{StateLocking, StateRestoring}, Dst: StateEditing},
			{Name: EventAbort, Src: []string{StateLocking, StateRestoring}, Dst: StateNone},
			{Name: EventCommit, Src: []string{StateEditing}, Dst: StateCommitting},
			{Name: EventRevert, Src: []string{StateEditing}, Dst: StateReverting},
			{Name: EventRelease, Src: []string{StateCommitting, StateReverting}, Dst: StateNone},
			{Name: EventRestore, Src: []string{StateNone}, Dst: StateRestoring},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugw("session transition", "session", s.name, "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// Current returns the current state.
func (s *Session) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fsm.Current()
}

// Can reports whether event is valid in the current state.
func (s *Session) Can(event string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fsm.Can(event)
}

// Is reports whether the session is in state.
func (s *Session) Is(state string) bool {
	return s.Current() == state
}

// Fire applies event.
func (s *Session) Fire(ctx context.Context, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Event(context.WithoutCancel(ctx), event)
}
