// README: Step gates and the configurable assignment policies.
package dispatch

const (
	MsgYardRequired  = "yard required"
	MsgTeamRequired  = "team required"
	MsgTeamExclusive = "choose either a crew or collectors"
	MsgScheduleOrder = "end time must be after start time"
	MsgUnknownYard   = "unknown yard"
	MsgUnknownMember = "unknown collector"
	MsgUnknownCrew   = "unknown crew"
)

// ValidationError is a user-correctable rejection of an action. The session
// state is left untouched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) *ValidationError { return &ValidationError{Message: msg} }

// Policy holds the invariants that are configurable rather than fixed.
type Policy struct {
	ExclusiveTeam        bool
	EnforceScheduleOrder bool
	RequireOrderVersion  bool
}

func checkYard(d *Draft) error {
	if d.YardID == nil || *d.YardID == "" {
		return invalid(MsgYardRequired)
	}
	return nil
}

func checkTeam(d *Draft, p Policy) error {
	hasCollectors := len(d.collectors) > 0
	hasCrew := d.CrewID != nil
	if !hasCollectors && !hasCrew {
		return invalid(MsgTeamRequired)
	}
	if p.ExclusiveTeam && hasCollectors && hasCrew {
		return invalid(MsgTeamExclusive)
	}
	return nil
}

func checkSchedule(d *Draft, p Policy) error {
	if !p.EnforceScheduleOrder || d.StartTime == nil || d.EndTime == nil {
		return nil
	}
	if !d.EndTime.After(*d.StartTime) {
		return invalid(MsgScheduleOrder)
	}
	return nil
}

// gate evaluates the condition for leaving step forward. Back never calls it.
func gate(step Step, d *Draft, p Policy) error {
	switch step {
	case StepYardSelection:
		return checkYard(d)
	case StepTeamAndSchedule:
		if err := checkTeam(d, p); err != nil {
			return err
		}
		return checkSchedule(d, p)
	default:
		return nil
	}
}

// checkCommit re-runs both gates against the draft as it is at confirm time.
func checkCommit(d *Draft, p Policy) error {
	if err := checkYard(d); err != nil {
		return err
	}
	if err := checkTeam(d, p); err != nil {
		return err
	}
	return checkSchedule(d, p)
}
