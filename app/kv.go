package app

import (
	"bytes"
	"fmt"
)

// KVApp is a small in-memory key-value store App, standing in for the
// workload apps built over facade.App in app/ycsb.rs and
// app/ycsb_database.rs: real deployments plug in a database-backed
// implementation of this same interface. Every Execute call encodes a
// request as "get <key>" or "put <key> <value>"; a put replies with the
// prior value it overwrote. Rollback does not restore any state (see
// Rollback below).
type KVApp struct {
	store map[string][]byte
}

// NewKVApp returns an empty key-value store.
func NewKVApp() *KVApp {
	return &KVApp{store: make(map[string][]byte)}
}

func (a *KVApp) Execute(opNumber OpNumber, op []byte) []byte {
	fields := bytes.Fields(op)
	if len(fields) == 0 {
		return []byte("error: empty operation")
	}
	switch string(fields[0]) {
	case "get":
		if len(fields) != 2 {
			return []byte("error: get requires one key")
		}
		v, ok := a.store[string(fields[1])]
		if !ok {
			return []byte("error: not found")
		}
		return v
	case "put":
		if len(fields) != 3 {
			return []byte("error: put requires a key and a value")
		}
		key := string(fields[1])
		prev, existed := a.store[key]
		a.store[key] = append([]byte(nil), fields[2]...)
		if existed {
			return append([]byte("ok, was: "), prev...)
		}
		return []byte("ok, was: <absent>")
	default:
		return []byte(fmt.Sprintf("error: unrecognized command %q", fields[0]))
	}
}

// Rollback is a no-op: put is not self-inverse, so undoing it needs the
// prior value, which KVApp returns in each put's reply ("ok, was: ...")
// rather than tracking internally, so operations undone by a rollback
// stay applied to the store.
func (a *KVApp) Rollback(current, to OpNumber, undo []Op) {}

func (a *KVApp) Commit(opNumber OpNumber) {}

var _ App = (*KVApp)(nil)
