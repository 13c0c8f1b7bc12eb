package domain

type State string

const (
	StatePending        State = "pending"
	StatePartialPayment State = "partial_payment"
	StatePaidInFull     State = "paid_in_full"
	StateComped         State = "comped"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StatePartialPayment, StatePaidInFull, StateComped:
		return true
	}
	return false
}

// Settled reports whether the payable behind the obligation counts as paid.
func (s State) Settled() bool {
	return s == StatePaidInFull || s == StateComped
}

type Event string

const (
	EventPaid          Event = "paid"
	EventPartiallyPaid Event = "partially_paid"
	EventComp          Event = "comp"
)

var transitions = map[Event]map[State]State{
	EventPaid: {
		StatePending:        StatePaidInFull,
		StatePartialPayment: StatePaidInFull,
	},
	EventPartiallyPaid: {
		StatePending: StatePartialPayment,
	},
	EventComp: {
		StatePending:        StateComped,
		StatePartialPayment: StateComped,
	},
}

// Next returns the state e leads to from s. ok is false when e has no rule
// for s or would leave the state unchanged.
func (s State) Next(e Event) (next State, ok bool) {
	to, found := transitions[e][s]
	if !found || to == s {
		return s, false
	}
	return to, true
}

type Transition struct {
	Event Event
	From  State
	To    State
}

// Fire applies e to the obligation. Firing an event with no rule for the
// current state is a no-op and reports false.
func (o *Obligation) Fire(e Event) (Transition, bool) {
	to, ok := o.State.Next(e)
	if !ok {
		return Transition{}, false
	}
	t := Transition{Event: e, From: o.State, To: to}
	o.State = to
	return t, true
}

// FireStrict is Fire that returns ErrNoTransition instead of a silent no-op.
func (o *Obligation) FireStrict(e Event) (Transition, error) {
	t, ok := o.Fire(e)
	if !ok {
		return Transition{}, ErrNoTransition
	}
	return t, nil
}

// CheckIfPaid evaluates the fiat amount paid against the price and fires the
// matching event. It is safe to call any number of times.
func (o *Obligation) CheckIfPaid() (Transition, bool) {
	paid := o.FiatAmountPaid()
	switch {
	case paid.GreaterThanOrEqual(o.Price):
		return o.Fire(EventPaid)
	case paid.IsPositive():
		return o.Fire(EventPartiallyPaid)
	}
	return Transition{}, false
}

// Comp settles the obligation without payment.
func (o *Obligation) Comp() (Transition, bool) {
	return o.Fire(EventComp)
}
