// Package app defines the application capability interface every
// replica protocol invokes to run a client's operation, grounded on
// facade.rs's App trait and app/mock.rs's upcall-logging implementation.
package app

// OpNumber identifies a position in a replica's commit history.
type OpNumber uint64

// App is the state machine a replica protocol drives. Execute's op_number
// is promised to be strictly ascending absent a Rollback, though gaps are
// allowed (three-phase reserves batch-size numbers per op_number, and a
// batch shorter than that leaves the rest unused).
// Rollback and Commit are optional upcalls: protocols that never
// speculate past the committed point (three-phase, trusted) need not call
// Rollback at all, and Commit is a pure hint an App may ignore.
type App interface {
	Execute(opNumber OpNumber, op []byte) []byte
	Rollback(current, to OpNumber, undo []Op)
	Commit(opNumber OpNumber)
}

// Op pairs an operation with the op number it was executed under, used
// by Rollback to describe the speculative history being undone.
type Op struct {
	OpNumber OpNumber
	Op       []byte
}

// BaseApp provides no-op Rollback/Commit so a concrete App need only
// implement Execute, mirroring facade.rs's default trait methods.
type BaseApp struct{}

func (BaseApp) Rollback(current, to OpNumber, undo []Op) {}
func (BaseApp) Commit(opNumber OpNumber)                  {}

// Upcall records one call made against a LoggingApp, for tests that
// assert on the exact sequence of upcalls a protocol issued.
type Upcall struct {
	Kind     UpcallKind
	OpNumber OpNumber
	Current  OpNumber
	To       OpNumber
	Undo     []Op
	Op       []byte
}

type UpcallKind int

const (
	UpcallExecute UpcallKind = iota
	UpcallRollback
	UpcallCommit
)

// ExecuteFunc computes the reply for op; any state it needs is kept
// inside its own closure.
type ExecuteFunc func(opNumber OpNumber, op []byte) []byte

// LoggingApp is a test/benchmark App that appends every upcall to an
// in-memory log before delegating to a configurable Execute stub,
// grounded on app/mock.rs's App (there named after the upcall it
// records, here renamed to avoid colliding with the App interface).
type LoggingApp struct {
	Execute_ ExecuteFunc
	Log      []Upcall
}

// NewEchoApp returns a LoggingApp whose Execute stub replies
// "reply: <op>", the default stub from app/mock.rs's Default impl.
func NewEchoApp() *LoggingApp {
	return &LoggingApp{
		Execute_: func(opNumber OpNumber, op []byte) []byte {
			reply := append([]byte("reply: "), op...)
			return reply
		},
	}
}

func (a *LoggingApp) Execute(opNumber OpNumber, op []byte) []byte {
	a.Log = append(a.Log, Upcall{Kind: UpcallExecute, OpNumber: opNumber, Op: op})
	return a.Execute_(opNumber, op)
}

func (a *LoggingApp) Rollback(current, to OpNumber, undo []Op) {
	a.Log = append(a.Log, Upcall{Kind: UpcallRollback, Current: current, To: to, Undo: undo})
}

func (a *LoggingApp) Commit(opNumber OpNumber) {
	a.Log = append(a.Log, Upcall{Kind: UpcallCommit, OpNumber: opNumber})
}

var _ App = (*LoggingApp)(nil)
