// Package configuration implements the ordered server list described in
// spec.md 4.A: an append/remove list of {id, address, role} tuples, with a
// versioned, length-prefixed binary encoding for persistence inside a log
// entry of type configuration.
package configuration

import (
	"encoding/binary"
	"fmt"

	"github.com/mrshabel/gumraft/internal/raerr"
)

// Role is the part a server plays with respect to quorum.
type Role int

const (
	// RoleVoter servers count toward quorum and may be elected leader.
	RoleVoter Role = iota
	// RoleStandBy servers receive the log but never vote or stand for
	// election; promoted to voter explicitly by a configuration change.
	RoleStandBy
	// RoleSpare servers are excluded from replication pacing decisions
	// entirely, used for servers that are present but not yet caught up.
	RoleSpare
)

func (r Role) String() string {
	switch r {
	case RoleVoter:
		return "voter"
	case RoleStandBy:
		return "stand-by"
	case RoleSpare:
		return "spare"
	default:
		return "unknown"
	}
}

// Server is one entry in a Configuration.
type Server struct {
	ID      uint64
	Address string
	Role    Role
}

// Configuration is the ordered, append-preserving list of servers that make
// up a cluster at a given point in the log.
type Configuration struct {
	servers []Server
}

// New returns an empty configuration.
func New() *Configuration {
	return &Configuration{}
}

// Copy returns a deep copy, independent of further mutation on c.
func (c *Configuration) Copy() *Configuration {
	out := &Configuration{servers: make([]Server, len(c.servers))}
	copy(out.servers, c.servers)
	return out
}

// Servers returns the ordered server list. Callers must not mutate the
// returned slice.
func (c *Configuration) Servers() []Server {
	return c.servers
}

// Add appends a new server, preserving insertion order. Validation runs
// before any mutation, so a rejected add leaves c untouched.
func (c *Configuration) Add(id uint64, address string, role Role) error {
	if id == 0 {
		return raerr.New(raerr.KindBadServerID, "server id must be nonzero")
	}
	if address == "" {
		return raerr.New(raerr.KindNoServerAddress, "server address must not be empty")
	}
	for _, s := range c.servers {
		if s.ID == id {
			return raerr.New(raerr.KindDupServerID, fmt.Sprintf("server %d already present", id))
		}
		if s.Address == address {
			return raerr.New(raerr.KindDupServerAddress, fmt.Sprintf("address %s already present", address))
		}
	}
	c.servers = append(c.servers, Server{ID: id, Address: address, Role: role})
	return nil
}

// Remove drops the server with the given id, compacting the slice so order
// is preserved among the remaining servers.
func (c *Configuration) Remove(id uint64) error {
	for i, s := range c.servers {
		if s.ID == id {
			c.servers = append(c.servers[:i], c.servers[i+1:]...)
			return nil
		}
	}
	return raerr.New(raerr.KindUnknownServerID, fmt.Sprintf("server %d not found", id))
}

// NVoting returns the number of servers with the voter role.
func (c *Configuration) NVoting() int {
	n := 0
	for _, s := range c.servers {
		if s.Role == RoleVoter {
			n++
		}
	}
	return n
}

// Index returns the position of id in the server list, or len(servers) if
// absent.
func (c *Configuration) Index(id uint64) int {
	for i, s := range c.servers {
		if s.ID == id {
			return i
		}
	}
	return len(c.servers)
}

// VotingIndex returns the position of id among voters only, or the number
// of servers in the configuration (len(servers)) if id is absent or is not
// a voter.
func (c *Configuration) VotingIndex(id uint64) int {
	i := 0
	for _, s := range c.servers {
		if s.Role != RoleVoter {
			continue
		}
		if s.ID == id {
			return i
		}
		i++
	}
	return len(c.servers)
}

// Get returns the server with the given id and whether it was found.
func (c *Configuration) Get(id uint64) (Server, bool) {
	for _, s := range c.servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

const encodingVersion = 1

// Encode produces the versioned, length-prefixed binary form described in
// spec.md 6: [u8 version][u64 n-servers]{u64 id, NUL-terminated address, u8
// role} x n.
func Encode(c *Configuration) ([]byte, error) {
	buf := make([]byte, 0, 9+len(c.servers)*24)
	buf = append(buf, encodingVersion)
	var nbuf [8]byte
	binary.LittleEndian.PutUint64(nbuf[:], uint64(len(c.servers)))
	buf = append(buf, nbuf[:]...)

	for _, s := range c.servers {
		var idbuf [8]byte
		binary.LittleEndian.PutUint64(idbuf[:], s.ID)
		buf = append(buf, idbuf[:]...)
		buf = append(buf, s.Address...)
		buf = append(buf, 0)
		buf = append(buf, byte(s.Role))
	}
	return buf, nil
}

// Decode parses the format Encode produces. A truncated or malformed
// buffer returns a raerr.KindCorrupt error.
func Decode(buf []byte) (*Configuration, error) {
	if len(buf) < 9 {
		return nil, raerr.New(raerr.KindCorrupt, "configuration buffer too short")
	}
	version := buf[0]
	if version != encodingVersion {
		return nil, raerr.New(raerr.KindCorrupt, fmt.Sprintf("unsupported configuration version %d", version))
	}
	n := binary.LittleEndian.Uint64(buf[1:9])
	c := &Configuration{servers: make([]Server, 0, n)}
	off := 9
	for i := uint64(0); i < n; i++ {
		if off+8 > len(buf) {
			return nil, raerr.New(raerr.KindCorrupt, "configuration buffer truncated in id")
		}
		id := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8

		nul := -1
		for j := off; j < len(buf); j++ {
			if buf[j] == 0 {
				nul = j
				break
			}
		}
		if nul < 0 {
			return nil, raerr.New(raerr.KindCorrupt, "configuration buffer missing address terminator")
		}
		address := string(buf[off:nul])
		off = nul + 1

		if off >= len(buf) {
			return nil, raerr.New(raerr.KindCorrupt, "configuration buffer truncated in role")
		}
		role := Role(buf[off])
		off++

		c.servers = append(c.servers, Server{ID: id, Address: address, Role: role})
	}
	return c, nil
}
