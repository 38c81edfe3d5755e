package session

// State of a session. A session starts without account, moves through the
// connection setup states to OkToSync, alternates between OkToSync and idling,
// and ends up in NeedsConnection again after disconnecting. AccountDeleted and
// InvalidCredentials are final until the account configuration changes.
type State int

const (
	StateNeedsAccount State = iota
	StateNeedsConnection
	StateQueryingNetworkStatus
	StateConnecting
	StateGettingLoginCapabilities
	StateNeedsTLS
	StateTLSNegotiation
	StateLoginRequired
	StatePendingLogin
	StateGettingCapabilities
	StateRequestingCompression
	StateSelectingFolder
	StateOkToSync
	StatePreparingToIdle
	StateIdling
	StateLoggingOut
	StateDisconnecting
	StateCleanup
	StateAccountDeleted
	StateInvalidCredentials
)

var stateNames = []string{
	"needsaccount",
	"needsconnection",
	"queryingnetworkstatus",
	"connecting",
	"gettinglogincapabilities",
	"needstls",
	"tlsnegotiation",
	"loginrequired",
	"pendinglogin",
	"gettingcapabilities",
	"requestingcompression",
	"selectingfolder",
	"oktosync",
	"preparingtoidle",
	"idling",
	"loggingout",
	"disconnecting",
	"cleanup",
	"accountdeleted",
	"invalidcredentials",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// network returns whether the state involves network activity, during which
// the session holds its activity timer.
func (s State) network() bool {
	switch s {
	case StateNeedsAccount, StateNeedsConnection, StateIdling, StateCleanup, StateAccountDeleted, StateInvalidCredentials:
		return false
	}
	return true
}

// final returns whether no further connections are made.
func (s State) final() bool {
	return s == StateAccountDeleted || s == StateInvalidCredentials
}
