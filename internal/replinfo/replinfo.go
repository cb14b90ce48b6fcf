// Package replinfo holds the process's replication identity and offset:
// the single piece of server-wide mutable state (besides the store
// itself) that the dispatcher, event loop, and replication handshake all
// need to read and, from the event loop goroutine only, update. An
// explicit struct passed by pointer rather than package-level state,
// since the offset advances on every propagated write.
package replinfo

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies whether this process is serving as master or replica.
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// ReplicaStatus is the master-side bookkeeping kept per attached replica,
// exposed only through INFO for observability.
type ReplicaStatus struct {
	Addr        string
	AckedOffset int64
}

// Info is the server's replication-facing state.
type Info struct {
	Role   Role
	ReplID string
	Offset int64

	// MasterHost/MasterPort are set only when Role == RoleReplica.
	MasterHost string
	MasterPort int

	Replicas []ReplicaStatus
}

// NewMaster builds replication info for a process starting as master,
// generating a fresh 40-hex-character replication ID the way a real
// instance would on a cold start (no persisted replid across restarts in
// this implementation).
func NewMaster() *Info {
	return &Info{
		Role:   RoleMaster,
		ReplID: newReplID(),
		Offset: 0,
	}
}

// NewReplica builds replication info for a process starting as a replica
// of the given master; ReplID/Offset are filled in once the handshake's
// FULLRESYNC reply is parsed.
func NewReplica(masterHost string, masterPort int) *Info {
	return &Info{
		Role:       RoleReplica,
		MasterHost: masterHost,
		MasterPort: masterPort,
	}
}

// newReplID builds a 40-hex-character replication ID (the length Redis
// clients expect) by concatenating two UUIDv4s' hex digits and trimming
// to length, since a single UUID only yields 32 hex digits.
func newReplID() string {
	a := strings.ReplaceAll(uuid.New().String(), "-", "")
	b := strings.ReplaceAll(uuid.New().String(), "-", "")
	return (a + b)[:40]
}

// Section renders the INFO replication section in the conventional
// "key:value\r\n"-per-line bulk-string body.
func (i *Info) Section() string {
	var b strings.Builder
	fmt.Fprintf(&b, "role:%s\r\n", i.Role)
	if i.Role == RoleReplica {
		fmt.Fprintf(&b, "master_host:%s\r\n", i.MasterHost)
		fmt.Fprintf(&b, "master_port:%d\r\n", i.MasterPort)
	}
	fmt.Fprintf(&b, "connected_slaves:%d\r\n", len(i.Replicas))
	for idx, r := range i.Replicas {
		fmt.Fprintf(&b, "slave%d:addr=%s,offset=%d\r\n", idx, r.Addr, r.AckedOffset)
	}
	fmt.Fprintf(&b, "master_replid:%s\r\n", i.ReplID)
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", i.Offset)
	return b.String()
}
