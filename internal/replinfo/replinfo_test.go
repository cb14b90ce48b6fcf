package replinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMasterHas40CharHexReplID(t *testing.T) {
	info := NewMaster()
	assert.Equal(t, RoleMaster, info.Role)
	assert.Len(t, info.ReplID, 40)
	assert.Equal(t, int64(0), info.Offset)
}

func TestSectionIncludesRoleAndOffset(t *testing.T) {
	info := NewMaster()
	info.Offset = 17
	info.Replicas = append(info.Replicas, ReplicaStatus{Addr: "127.0.0.1:6380", AckedOffset: 10})

	section := info.Section()
	assert.True(t, strings.Contains(section, "role:master"))
	assert.True(t, strings.Contains(section, "master_repl_offset:17"))
	assert.True(t, strings.Contains(section, "connected_slaves:1"))
	assert.True(t, strings.Contains(section, "slave0:addr=127.0.0.1:6380,offset=10"))
}

func TestReplicaSectionIncludesMasterAddr(t *testing.T) {
	info := NewReplica("10.0.0.1", 6379)
	section := info.Section()
	assert.True(t, strings.Contains(section, "role:slave"))
	assert.True(t, strings.Contains(section, "master_host:10.0.0.1"))
	assert.True(t, strings.Contains(section, "master_port:6379"))
}
