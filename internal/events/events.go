// Package events defines the bus payload shared by the Template Source,
// Pool Client, and Dashboard.
package events

// Kind identifies which fields of an Event are meaningful.
type Kind int

const (
	NodeUp Kind = iota
	NodeDown
	PoolConnecting
	PoolUp
	PoolDown
	Handshaking
	HandshakeDone
	HandshakeErr
	Err
	TemplateErr
	Shutdown
	NewTemplate
	DeclareJob
	JobSent
	JobOk
	JobFailed
)

func (k Kind) String() string {
	switch k {
	case NodeUp:
		return "NodeUp"
	case NodeDown:
		return "NodeDown"
	case PoolConnecting:
		return "PoolConnecting"
	case PoolUp:
		return "PoolUp"
	case PoolDown:
		return "PoolDown"
	case Handshaking:
		return "Handshaking"
	case HandshakeDone:
		return "HandshakeDone"
	case HandshakeErr:
		return "HandshakeErr"
	case Err:
		return "Err"
	case TemplateErr:
		return "TemplateErr"
	case Shutdown:
		return "Shutdown"
	case NewTemplate:
		return "NewTemplate"
	case DeclareJob:
		return "DeclareJob"
	case JobSent:
		return "JobSent"
	case JobOk:
		return "JobOk"
	case JobFailed:
		return "JobFailed"
	default:
		return "Unknown"
	}
}

// CoinbaseOut is a single recommended coinbase output: a value in satoshis
// and the output script the Template Source wants committed.
type CoinbaseOut struct {
	Value        uint64
	ScriptPubKey []byte
}

// Event is a tagged union carried on the bus. Only the fields relevant to
// Kind are populated; the rest are left at their zero value.
type Event struct {
	Kind Kind

	Message string // HandshakeErr, Err, TemplateErr, JobFailed.Reason

	Height uint64 // NewTemplate
	Txs    int    // NewTemplate.txs, JobSent.txs
	Fees   uint64 // NewTemplate

	TplID   uint64        // DeclareJob, JobSent, JobOk, JobFailed
	Outputs []CoinbaseOut // DeclareJob
	RawTxs  [][]byte      // DeclareJob, ordered, excludes coinbase

	Token []byte // JobOk
}

// NewSimple builds a payload-free event of the given kind.
func NewSimple(k Kind) Event { return Event{Kind: k} }

// NewMessage builds an event carrying only a message string.
func NewMessage(k Kind, msg string) Event { return Event{Kind: k, Message: msg} }
