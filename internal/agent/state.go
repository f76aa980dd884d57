package agent

// State 描述单个 Agent 版本在生命周期中的位置。
type State string

const (
	StateRegistering State = "registering"
	StateInstalling  State = "installing"
	StateWaiting     State = "waiting"
	StateActivating  State = "activating"
	StateActive      State = "active"
	StateSuperseded  State = "superseded"
	// StateRedundant 表示安装失败被丢弃的版本，之前的版本继续控制请求。
	StateRedundant State = "redundant"
)

var allowedTransitions = map[State][]State{
	StateRegistering: {StateInstalling},
	StateInstalling:  {StateWaiting, StateRedundant},
	StateWaiting:     {StateActivating, StateRedundant, StateSuperseded},
	StateActivating:  {StateActive},
	StateActive:      {StateSuperseded},
}

// CanTransition 判断 from → to 是否是合法的生命周期迁移。
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
