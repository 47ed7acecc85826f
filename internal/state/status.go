package state

// AgentStatus mirrors the asset manager's agent status enum; values are ordered by severity.
type AgentStatus int32

const (
	StatusNormal AgentStatus = iota
	StatusCCB
	StatusLiquidation
	StatusFullLiquidation
	StatusDestroying
	StatusDestroyed
)

func (s AgentStatus) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusCCB:
		return "CCB"
	case StatusLiquidation:
		return "LIQUIDATION"
	case StatusFullLiquidation:
		return "FULL_LIQUIDATION"
	case StatusDestroying:
		return "DESTROYING"
	case StatusDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// InLiquidation reports CCB, LIQUIDATION and FULL_LIQUIDATION.
func (s AgentStatus) InLiquidation() bool {
	return s == StatusCCB || s == StatusLiquidation || s == StatusFullLiquidation
}

// startsCCB and startsLiquidation decide which timestamps a status event records.
func startsCCB(from, to AgentStatus) bool {
	return from == StatusNormal && to == StatusCCB
}

func startsLiquidation(from, to AgentStatus) bool {
	return (from == StatusNormal || from == StatusCCB) &&
		(to == StatusLiquidation || to == StatusFullLiquidation)
}
