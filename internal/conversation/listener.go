package conversation

import "github.com/BTreeMap/TaskPipe/internal/models"

// Listener observes a controller. Callbacks run on the submitting goroutine
// in the order the events happen and must not call back into the controller.
type Listener interface {
	// TurnAppended is called after a turn joins the transcript.
	TurnAppended(turn models.Turn)
	// StateChanged is called after every state transition.
	StateChanged(t models.StateTransition)
	// Composing is called with true before each backend call and with false
	// exactly once after it resolves, whatever the outcome.
	Composing(on bool)
	// ResultReady is called when a final result is available.
	ResultReady(sessionID string, result models.FinalResult)
}

// NopListener ignores every event. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) TurnAppended(models.Turn)               {}
func (NopListener) StateChanged(models.StateTransition)    {}
func (NopListener) Composing(bool)                         {}
func (NopListener) ResultReady(string, models.FinalResult) {}

type multiListener []Listener

// Listeners fans events out to every non-nil listener in order.
func Listeners(ls ...Listener) Listener {
	var out multiListener
	for _, l := range ls {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multiListener) TurnAppended(turn models.Turn) {
	for _, l := range m {
		l.TurnAppended(turn)
	}
}

func (m multiListener) StateChanged(t models.StateTransition) {
	for _, l := range m {
		l.StateChanged(t)
	}
}

func (m multiListener) Composing(on bool) {
	for _, l := range m {
		l.Composing(on)
	}
}

func (m multiListener) ResultReady(sessionID string, result models.FinalResult) {
	for _, l := range m {
		l.ResultReady(sessionID, result)
	}
}
