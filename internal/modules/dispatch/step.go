// README: Dispatch stepper states and the allowed transition table.
package dispatch

type Step string

const (
	StepYardSelection    Step = "yard_selection"
	StepTeamAndSchedule  Step = "team_and_schedule"
	StepReviewAndConfirm Step = "review_and_confirm"
	StepCommitted        Step = "committed"
	StepCancelled        Step = "cancelled"
)

// AllowedTransitions represents the stepper flow as code.
var AllowedTransitions = map[Step][]Step{
	StepYardSelection:    {StepTeamAndSchedule, StepCancelled},
	StepTeamAndSchedule:  {StepYardSelection, StepReviewAndConfirm, StepCancelled},
	StepReviewAndConfirm: {StepTeamAndSchedule, StepCommitted, StepCancelled},
}

func CanTransition(from, to Step) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Step) Terminal() bool {
	return s == StepCommitted || s == StepCancelled
}

// forward returns the step after s, capped at review.
func (s Step) forward() Step {
	switch s {
	case StepYardSelection:
		return StepTeamAndSchedule
	case StepTeamAndSchedule:
		return StepReviewAndConfirm
	default:
		return s
	}
}

// backward returns the step before s, capped at yard selection.
func (s Step) backward() Step {
	switch s {
	case StepReviewAndConfirm:
		return StepTeamAndSchedule
	case StepTeamAndSchedule:
		return StepYardSelection
	default:
		return s
	}
}
