package replication

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/env"
	"github.com/edirooss/kvserver/internal/rdb"
	"github.com/edirooss/kvserver/internal/replinfo"
	"github.com/edirooss/kvserver/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNotifier struct {
	writeEnabled map[int]bool
	disconnected map[int]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{writeEnabled: map[int]bool{}, disconnected: map[int]bool{}}
}

func (f *fakeNotifier) EnableWrite(fd int) { f.writeEnabled[fd] = true }
func (f *fakeNotifier) Disconnect(fd int)  { f.disconnected[fd] = true }

func newTestConn(t *testing.T, fd int) *conn.Conn {
	t.Helper()
	c, err := conn.New(int64(fd), fd, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestHandleReplConfListeningPort(t *testing.T) {
	mgr := NewManager(zap.NewNop(), env.New(), replinfo.NewMaster(), nil, newFakeNotifier())
	c := newTestConn(t, 101)

	require.NoError(t, mgr.HandleReplConf(c, [][]byte{[]byte("REPLCONF"), []byte("listening-port"), []byte("6380")}))
	assert.Equal(t, 6380, c.ListeningPort)

	buf, n := c.Out.Readable()
	assert.Equal(t, "+OK\r\n", string(buf[:n]))
}

func TestHandleReplConfAckRecordsOffsetNoReply(t *testing.T) {
	mgr := NewManager(zap.NewNop(), env.New(), replinfo.NewMaster(), nil, newFakeNotifier())
	c := newTestConn(t, 102)

	require.NoError(t, mgr.HandleReplConf(c, [][]byte{[]byte("REPLCONF"), []byte("ACK"), []byte("42")}))
	assert.EqualValues(t, 42, c.AckedOffset)

	_, n := c.Out.Readable()
	assert.Equal(t, 0, n, "REPLCONF ACK must not produce a reply")
}

func TestHandlePSYNCSendsFullresyncAndQueuesSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := env.New()
	cfg.Dir = dir
	cfg.DBFilename = "dump.rdb"

	s := store.New(nil)
	s.Set("k", store.Value{Kind: store.KindString, Str: []byte("v")})
	saver := rdb.NewSaver(cfg.Dir, cfg.DBFilename, s)

	info := replinfo.NewMaster()
	notifier := newFakeNotifier()
	mgr := NewManager(zap.NewNop(), cfg, info, saver, notifier)

	c := newTestConn(t, 103)
	require.NoError(t, mgr.HandlePSYNC(c, [][]byte{[]byte("PSYNC"), []byte("?"), []byte("-1")}))

	assert.Equal(t, conn.RoleReplicaLink, c.Role)
	assert.Equal(t, conn.MasterStateSendingRDB, c.MasterState)
	require.NotNil(t, c.RDBFile)
	assert.True(t, notifier.writeEnabled[103])

	fi, err := os.Stat(filepath.Join(dir, "dump.rdb"))
	require.NoError(t, err)
	assert.Equal(t, fi.Size(), c.RDBRemaining)

	buf, n := c.Out.Readable()
	out := string(buf[:n])
	assert.Contains(t, out, "+FULLRESYNC "+info.ReplID)
	assert.Contains(t, out, "$")
}

func TestPropagateQueuesWhileSendingRDBAndAdvancesOffset(t *testing.T) {
	cfg := env.New()
	info := replinfo.NewMaster()
	notifier := newFakeNotifier()
	mgr := NewManager(zap.NewNop(), cfg, info, nil, notifier)

	c := newTestConn(t, 104)
	c.MasterState = conn.MasterStateSendingRDB
	mgr.replicas[104] = c

	mgr.Propagate([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	assert.EqualValues(t, 1, len(c.Pending))

	_, n := c.Out.Readable()
	assert.Equal(t, 0, n, "propagated bytes must not reach Out while mid-resync")

	assert.EqualValues(t, 26, info.Offset)
}

func TestPropagateWritesDirectlyOncePastResync(t *testing.T) {
	cfg := env.New()
	info := replinfo.NewMaster()
	notifier := newFakeNotifier()
	mgr := NewManager(zap.NewNop(), cfg, info, nil, notifier)

	c := newTestConn(t, 105)
	c.MasterState = conn.MasterStatePropagate
	mgr.replicas[105] = c

	mgr.Propagate([]byte("*1\r\n$4\r\nPING\r\n"))

	buf, n := c.Out.Readable()
	assert.Equal(t, "*1\r\n$4\r\nPING\r\n", string(buf[:n]))
	assert.True(t, notifier.writeEnabled[105])
}
