package agentloop

// State is the agent's position in the retrieval state machine.
type State string

const (
	// StateStart is the initial state: nothing retrieved yet.
	StateStart State = "start"

	// StateExploring means at least one search has run.
	StateExploring State = "exploring"

	// StateGrounded means the accumulators hold a profile plus supporting
	// graph results or messages; precision tools unlock here.
	StateGrounded State = "grounded"

	// StateClarify is the terminal state for an unanswerable query.
	StateClarify State = "clarify"

	// StateComplete is the terminal state for an answered query.
	StateComplete State = "complete"
)

// Tool names offered to the agent model.
const (
	ToolSearchMessages       = "search_messages"
	ToolSearchEntities       = "search_entities"
	ToolGetProfile           = "get_profile"
	ToolGetConnections       = "get_connections"
	ToolGetActivity          = "get_activity"
	ToolFindPath             = "find_path"
	ToolFinish               = "finish"
	ToolRequestClarification = "request_clarification"
)

// transitions is the state machine as data: for each tool, the states it may
// be called from and the state it lands in. Self-loops map a state to itself.
var transitions = map[string]map[State]State{
	ToolSearchMessages: {
		StateStart:     StateExploring,
		StateExploring: StateExploring,
		StateGrounded:  StateGrounded,
	},
	ToolSearchEntities: {
		StateStart:     StateExploring,
		StateExploring: StateExploring,
		StateGrounded:  StateGrounded,
	},
	ToolGetProfile: {
		StateExploring: StateExploring,
		StateGrounded:  StateGrounded,
	},
	ToolGetConnections: {
		StateExploring: StateExploring,
		StateGrounded:  StateGrounded,
	},
	ToolGetActivity: {
		StateExploring: StateExploring,
		StateGrounded:  StateGrounded,
	},
	ToolFindPath: {
		StateGrounded: StateGrounded,
	},
	ToolFinish: {
		StateExploring: StateComplete,
		StateGrounded:  StateComplete,
	},
	ToolRequestClarification: {
		StateStart:     StateClarify,
		StateExploring: StateClarify,
		StateGrounded:  StateClarify,
	},
}

// nextState returns the state the tool leads to from the current state, and
// whether the transition is allowed at all.
func nextState(from State, tool string) (State, bool) {
	table, ok := transitions[tool]
	if !ok {
		return from, false
	}
	to, ok := table[from]
	return to, ok
}

// terminal reports whether the state ends the dispatch loop.
func terminal(s State) bool {
	return s == StateClarify || s == StateComplete
}
