package protocols

type selector interface {
	~int
}

// StateM is the mutable state selector carried by a protocol implementation.
// The attested session protocols keep their progress (hello sent, tunnel
// armed, result received) in a small int selector indexing a Transition
// table.
type StateM[Sel selector] interface {
	State() Sel
	SetState(s Sel)
}

// TransitionFunc advances s using evt and returns the next selector plus the
// Command the runner shall execute.
type TransitionFunc[Sel selector, S StateM[Sel]] func(s S, evt Event) (Sel, Command, error)

// Transition guards one state of a protocol table.
//
// Allow lists the Event tags the state accepts, Exit the selectors the state
// may transition to. Update rejects anything else, which keeps protocol
// implementations free of defensive checks.
type Transition[Sel selector, S StateM[Sel]] struct {
	Allow []string
	Call  TransitionFunc[Sel, S]
	Exit  []Sel
}

// Update advances s by one transition. Protocol types implement ProtocolFSM
// by delegating to Update with their Transition table.
func Update[Sel selector, S StateM[Sel]](s S, trs []Transition[Sel, S], evt Event) (cmd Command, err error) {
	sel := s.State()
	if sel < 0 || int(sel) >= len(trs) {
		return cmd, newError("invalid inner state %d", sel)
	}

	tr := trs[int(sel)]
	var allowed bool
	for _, tag := range tr.Allow {
		if tag == evt.Tag {
			allowed = true
			break
		}
	}
	if !allowed {
		return cmd, newError("Event %s not allowed", evt.Tag)
	}

	if nil != tr.Call {
		sel, cmd, err = tr.Call(s, evt)
		if nil != err {
			// a failed Call leaves the state unchanged and surfaces its error
			return cmd, err
		}
	}

	allowed = false
	for _, exit := range tr.Exit {
		if exit == sel {
			allowed = true
			break
		}
	}
	if !allowed {
		return cmd, newError("Exit %d not allowed", sel)
	}

	s.SetState(sel)

	return cmd, err
}
