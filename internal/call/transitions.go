package call

import "fmt"

// Trigger is anything that can move a session between states.
type Trigger string

const (
	TrigInitiate        Trigger = "local_initiate"
	TrigRemoteInitiated Trigger = "remote_initiated"
	TrigRemoteAccepted  Trigger = "remote_accepted"
	TrigAccept          Trigger = "local_accept"
	TrigRemoteOffer     Trigger = "remote_offer"
	TrigRemoteAnswer    Trigger = "remote_answer"
	TrigAnswerSent      Trigger = "answer_sent"
	TrigICE             Trigger = "ice_candidate"
	TrigDecline         Trigger = "local_decline"
	TrigRemoteDecline   Trigger = "remote_decline"
	TrigEnd             Trigger = "local_end"
	TrigRemoteEnd       Trigger = "remote_end"
	TrigFail            Trigger = "failure"
	TrigShutdown        Trigger = "shutdown"
)

type edge struct {
	from State
	trig Trigger
}

// transitions is the whole state machine. Pairs that are not listed are
// illegal.
var transitions = map[edge]State{
	{Idle, TrigInitiate}:        Calling,
	{Idle, TrigRemoteInitiated}: Ringing,

	{Calling, TrigRemoteAccepted}: Connecting,
	{Calling, TrigEnd}:            Ended,
	{Calling, TrigRemoteEnd}:      Ended,
	{Calling, TrigRemoteDecline}:  Declined,
	{Calling, TrigFail}:           Failed,
	{Calling, TrigShutdown}:       Ended,
	{Calling, TrigICE}:            Calling,

	{Ringing, TrigAccept}:        Connecting,
	{Ringing, TrigDecline}:       Declined,
	{Ringing, TrigRemoteDecline}: Declined,
	{Ringing, TrigRemoteEnd}:     Ended,
	{Ringing, TrigShutdown}:      Declined,
	{Ringing, TrigICE}:           Ringing,

	{Connecting, TrigRemoteOffer}:  Connecting,
	{Connecting, TrigRemoteAnswer}: Connected,
	{Connecting, TrigAnswerSent}:   Connected,
	{Connecting, TrigICE}:          Connecting,
	{Connecting, TrigEnd}:          Ended,
	{Connecting, TrigRemoteEnd}:    Ended,
	{Connecting, TrigFail}:         Failed,
	{Connecting, TrigShutdown}:     Ended,

	{Connected, TrigICE}:       Connected,
	{Connected, TrigEnd}:       Ended,
	{Connected, TrigRemoteEnd}: Ended,
	{Connected, TrigFail}:      Failed,
	{Connected, TrigShutdown}:  Ended,
}

// next returns the state reached from s on t.
func next(s State, t Trigger) (State, error) {
	to, ok := transitions[edge{s, t}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, s)
	}
	return to, nil
}
