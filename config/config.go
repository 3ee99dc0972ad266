// Package config implements the configuration adapter from SPEC_FULL.md
// §3/§6: the replica roster, optional groups, multicast address, fault
// tolerance f, and per-replica signing keys, plus the classical/shard/
// global adapter views over that file grounded directly on
// original_source/src/common/config.rs's Config<T>/ConfigInner split.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/transport"
)

// File is the parsed, unprocessed contents of a configuration file: the
// replica roster in file order, the start index of each group (if any),
// the multicast address (if any), and fault tolerance f. It carries no
// signing keys — those are loaded separately via LoadKeys, mirroring
// config.rs's note that "for the sake of simplicity... only well-known
// addresses... have identities."
type File struct {
	F         int
	Replica   []transport.Address
	Group     []int // replica-index where each group starts; empty means "classical" (groupless)
	Multicast *transport.Address
}

// ParseFile parses the line-oriented grammar from SPEC_FULL.md §6:
//
//	f <n>
//	replica <addr>
//	group
//	multicast <addr>
//
// Comments start with '#'; blank lines are ignored. This is a deliberately
// minimal hand-rolled scanner rather than a pulled-in parsing library: the
// spec explicitly treats config-file parsing as out of scope (spec.md §1),
// and the five-token grammar has no natural fit to any parser in the
// retrieval pack (those are all full INI/YAML/JSON parsers aimed at much
// richer grammars) — see DESIGN.md.
func ParseFile(r io.Reader) (*File, error) {
	f := &File{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		fields := strings.Fields(line)
		prompt := fields[0]
		switch prompt {
		case "f":
			if len(fields) != 2 {
				return nil, fmt.Errorf("config: line %d: %q expects one integer argument", lineNo, prompt)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("config: line %d: invalid f value %q: %w", lineNo, fields[1], err)
			}
			f.F = n
		case "replica":
			if len(fields) != 2 {
				return nil, fmt.Errorf("config: line %d: %q expects one address argument", lineNo, prompt)
			}
			addr, err := transport.ParseAddress(fields[1])
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			f.Replica = append(f.Replica, addr)
		case "group":
			f.Group = append(f.Group, len(f.Replica))
		case "multicast":
			if len(fields) != 2 {
				return nil, fmt.Errorf("config: line %d: %q expects one address argument", lineNo, prompt)
			}
			addr, err := transport.ParseAddress(fields[1])
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			f.Multicast = &addr
		default:
			return nil, fmt.Errorf("config: line %d: unrecognized prompt %q", lineNo, prompt)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan: %w", err)
	}
	return f, nil
}

// Keys is the address-to-signing-key map, loaded by LoadKeys from a single
// stream of concatenated PEM blocks — one per replica index i in
// File.Replica, in roster order. Separate per-replica
// "<config-name>-<i>.pem" files are not read. Clients, who use ephemeral addresses,
// have no entry and hence cannot sign (config.rs: "addresses present in
// configuration file... have identities").
type Keys map[transport.Address]bcrypto.SigningKey

// VerifyingKeys derives the public counterpart of every entry in keys.
func (keys Keys) VerifyingKeys() map[transport.Address]bcrypto.VerifyingKey {
	out := make(map[transport.Address]bcrypto.VerifyingKey, len(keys))
	for addr, k := range keys {
		out[addr] = k.Verifying()
	}
	return out
}

// Config is the adapter wrapping a parsed File plus its derived verifying
// keys. It is constructed via NewClassical/NewShard/NewGlobal, and exposes
// a uniform, group-aware-or-not view (see the three constructors' docs),
// matching config.rs's three adapter kinds from the glossary.
type Config struct {
	file         *File
	verifying    map[transport.Address]bcrypto.VerifyingKey
	groupID      int  // meaningful only in shard mode
	groupAware   bool // true for the global adapter
}

// NewClassical wraps a groupless file as a flat replica list. Asserts
// there are no "group" lines, matching the glossary's definition of
// "classical adapter."
func NewClassical(file *File, verifying map[transport.Address]bcrypto.VerifyingKey) (*Config, error) {
	if len(file.Group) > 0 {
		return nil, fmt.Errorf("config: classical adapter requires a groupless file, found %d groups", len(file.Group))
	}
	return &Config{file: file, verifying: verifying}, nil
}

// NewShard wraps a single group as a flat replica list, trimming every
// other group out of view — "a shard adapter for group 0 will behave as
// there are only two servers s1, s2 in the system" (config.rs).
func NewShard(file *File, verifying map[transport.Address]bcrypto.VerifyingKey, groupID int) (*Config, error) {
	starts := groupStarts(file)
	if groupID < 0 || (len(starts) > 0 && groupID >= len(starts)) {
		return nil, fmt.Errorf("config: group id %d out of range (file has %d groups)", groupID, len(starts))
	}
	return &Config{file: file, verifying: verifying, groupID: groupID}, nil
}

// NewGlobal wraps all groups, exposing group-aware interfaces (Groups) to
// protocols that need to reach remote groups.
func NewGlobal(file *File, verifying map[transport.Address]bcrypto.VerifyingKey) *Config {
	return &Config{file: file, verifying: verifying, groupAware: true}
}

// groupStarts returns the replica index at which each group starts.
// Replicas listed before the first "group" line form an implicit leading
// group, so the groups always partition the whole roster.
func groupStarts(file *File) []int {
	if len(file.Group) == 0 || file.Group[0] == 0 {
		return file.Group
	}
	return append([]int{0}, file.Group...)
}

// shardBounds returns the [start, end) replica-index range visible to
// this adapter: the configured group's range in shard mode, or the whole
// roster in classical/global mode.
func (c *Config) shardBounds() (start, end int) {
	starts := groupStarts(c.file)
	if c.groupAware || len(starts) == 0 {
		return 0, len(c.file.Replica)
	}
	start = starts[c.groupID]
	if c.groupID+1 < len(starts) {
		end = starts[c.groupID+1]
	} else {
		end = len(c.file.Replica)
	}
	return start, end
}

// Replicas returns the replica addresses visible to this adapter, in
// roster order.
func (c *Config) Replicas() []transport.Address {
	start, end := c.shardBounds()
	out := make([]transport.Address, end-start)
	copy(out, c.file.Replica[start:end])
	return out
}

// Groups returns every group's replica slice — only meaningful (and only
// non-empty) for a global adapter constructed over a grouped file.
func (c *Config) Groups() [][]transport.Address {
	starts := groupStarts(c.file)
	if len(starts) == 0 {
		return [][]transport.Address{append([]transport.Address{}, c.file.Replica...)}
	}
	groups := make([][]transport.Address, len(starts))
	for i, start := range starts {
		end := len(c.file.Replica)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		groups[i] = append([]transport.Address{}, c.file.Replica[start:end]...)
	}
	return groups
}

// F returns the configured fault tolerance.
func (c *Config) F() int { return c.file.F }

// Multicast returns the configured multicast address, or nil if none.
func (c *Config) Multicast() *transport.Address { return c.file.Multicast }

// VerifyingKey looks up the verifying key for remote, or (zero, false) if
// remote is not a well-known (roster) address.
func (c *Config) VerifyingKey(remote transport.Address) (bcrypto.VerifyingKey, bool) {
	k, ok := c.verifying[remote]
	return k, ok
}

// ViewPrimary implements the derived "view-to-primary" function from
// SPEC_FULL.md §3: view mod n, over this adapter's visible replica list.
func (c *Config) ViewPrimary(view uint64) int {
	n := len(c.Replicas())
	if n == 0 {
		return 0
	}
	return int(view % uint64(n))
}
