package lending

// Action names a lending flow that can be paused independently of the module.
type Action string

const (
	ActionSupply    Action = "supply"
	ActionWithdraw  Action = "withdraw"
	ActionBorrow    Action = "borrow"
	ActionRepay     Action = "repay"
	ActionLiquidate Action = "liquidate"
)

// Actions lists every pausable flow.
func Actions() []Action {
	return []Action{ActionSupply, ActionWithdraw, ActionBorrow, ActionRepay, ActionLiquidate}
}

// PauseKey is the key consulted on the shared pause switchboard for action.
func (a Action) PauseKey() string { return moduleName + "/" + string(a) }
