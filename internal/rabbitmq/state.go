package rabbitmq

// State is a position in the link setup sequence
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateChannelOpening
	StateExchangeDeclaring
	StateQueueDeclaring
	StateQueueBinding
	StateConfirmsEnabling
	StateConsuming
	StateReady
	StateClosing
	StateStopped
)

var stateNames = map[State]string{
	StateDisconnected:      "disconnected",
	StateConnecting:        "connecting",
	StateChannelOpening:    "channel-opening",
	StateExchangeDeclaring: "exchange-declaring",
	StateQueueDeclaring:    "queue-declaring",
	StateQueueBinding:      "queue-binding",
	StateConfirmsEnabling:  "confirms-enabling",
	StateConsuming:         "consuming",
	StateReady:             "ready",
	StateClosing:           "closing",
	StateStopped:           "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// transition is one broker round trip of the setup sequence
type transition struct {
	run  func(l *Link) error
	next State
}

// transitions drives setup strictly in order: a queue is never bound before
// it is declared and confirms are enabled before anything is published.
var transitions = map[State]transition{
	StateConnecting:        {run: (*Link).connect, next: StateChannelOpening},
	StateChannelOpening:    {run: (*Link).openChannel, next: StateExchangeDeclaring},
	StateExchangeDeclaring: {run: (*Link).declareExchange, next: StateQueueDeclaring},
	StateQueueDeclaring:    {run: (*Link).declareQueue, next: StateQueueBinding},
	StateQueueBinding:      {run: (*Link).bindQueue, next: StateConfirmsEnabling},
	StateConfirmsEnabling:  {run: (*Link).enableConfirms, next: StateReady},
	StateConsuming:         {run: (*Link).startConsuming, next: StateReady},
}

// nextState resolves the state following s for this link
func (l *Link) nextState(s State) State {
	if s == StateConfirmsEnabling && l.consume != nil {
		return StateConsuming
	}
	return transitions[s].next
}

// settingUp reports whether s has a pending setup step
func settingUp(s State) bool {
	_, ok := transitions[s]
	return ok
}
