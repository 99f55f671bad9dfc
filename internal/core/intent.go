package core

import "fmt"

// IntentKind is the closed set of operator intents produced by the message
// classification collaborator and consumed by the orchestrator.
type IntentKind string

const (
	IntentTrigger  IntentKind = "trigger"
	IntentApprove  IntentKind = "approve"
	IntentFeedback IntentKind = "feedback"
	IntentReset    IntentKind = "reset"
	IntentReplay   IntentKind = "replay"
	IntentIgnore   IntentKind = "ignore"
)

// OperatorIntent is one classified operator command.
type OperatorIntent struct {
	Kind        IntentKind
	RunID       RunID  // approve, feedback, replay
	Text        string // feedback body
	RequestedBy string
}

// Validate checks that the intent carries its required fields.
func (i OperatorIntent) Validate() error {
	switch i.Kind {
	case IntentTrigger, IntentReset, IntentIgnore:
		return nil
	case IntentApprove, IntentReplay:
		if i.RunID == "" {
			return fmt.Errorf("%s intent requires a run id", i.Kind)
		}
		return nil
	case IntentFeedback:
		if i.RunID == "" {
			return fmt.Errorf("feedback intent requires a run id")
		}
		if i.Text == "" {
			return fmt.Errorf("feedback intent requires text")
		}
		return nil
	default:
		return fmt.Errorf("unknown intent kind: %q", i.Kind)
	}
}
