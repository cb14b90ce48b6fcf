// Package dispatch maps a parsed command's argument array to the
// corresponding store/replication operation and writes the reply, per
// the command table (PING, ECHO, SET and its options, GET, EXIST, DEL,
// INCR/DECR, LPUSH/RPUSH, LRANGE, CONFIG GET, SAVE, DBSIZE, INFO,
// REPLCONF, PSYNC, TYPE, FLUSHALL). Each command is a handler function;
// arity is checked before any store access.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/env"
	"github.com/edirooss/kvserver/internal/rdb"
	"github.com/edirooss/kvserver/internal/replinfo"
	"github.com/edirooss/kvserver/internal/resp"
	"github.com/edirooss/kvserver/internal/store"
	"go.uber.org/zap"
)

// Replicator is implemented by the replication package so dispatch can
// forward REPLCONF/PSYNC without importing the replication package.
type Replicator interface {
	HandleReplConf(c *conn.Conn, args [][]byte) error
	HandlePSYNC(c *conn.Conn, args [][]byte) error
	Replicas() []replinfo.ReplicaStatus
}

// Context bundles everything a command handler needs. One Context is
// shared by every connection; it is only ever touched from the event
// loop goroutine.
type Context struct {
	Store      *store.Store
	Cfg        *env.Config
	Info       *replinfo.Info
	Saver      *rdb.Saver
	Log        *zap.Logger
	Replicator Replicator

	// Propagate is invoked with the exact raw bytes of a successfully
	// executed write command, for forwarding to attached replicas.
	Propagate func(raw []byte)
}

type handlerFunc func(ctx *Context, c *conn.Conn, args [][]byte) (propagate bool, err error)

type cmdSpec struct {
	min, max int // max == -1 means unbounded
	handler  handlerFunc
}

var table = map[string]cmdSpec{
	"PING":     {1, 2, cmdPing},
	"ECHO":     {2, 2, cmdEcho},
	"SET":      {3, -1, cmdSet},
	"GET":      {2, 2, cmdGet},
	"EXIST":    {2, -1, cmdExist},
	"DEL":      {2, -1, cmdDel},
	"INCR":     {2, 2, cmdIncr},
	"DECR":     {2, 2, cmdDecr},
	"LPUSH":    {3, -1, cmdLPush},
	"RPUSH":    {3, -1, cmdRPush},
	"LRANGE":   {4, 4, cmdLRange},
	"CONFIG":   {3, -1, cmdConfigGet},
	"SAVE":     {1, 1, cmdSave},
	"DBSIZE":   {1, 1, cmdDBSize},
	"INFO":     {1, 2, cmdInfo},
	"REPLCONF": {2, -1, cmdReplConf},
	"PSYNC":    {3, 3, cmdPSync},
	"TYPE":     {2, 2, cmdType},
	"FLUSHALL": {1, 1, cmdFlushAll},
}

// Dispatch executes one parsed command against ctx on behalf of c,
// writing its reply into c.Writer, and propagates it to replicas if it
// was a write that actually mutated the store. raw is the exact bytes
// the command was parsed from, used for verbatim propagation.
func Dispatch(ctx *Context, c *conn.Conn, args [][]byte, raw []byte) error {
	if len(args) == 0 {
		return nil
	}
	name := strings.ToUpper(string(args[0]))
	spec, ok := table[name]
	if !ok {
		return c.Writer.WriteError("ERR unknown command")
	}
	if len(args) < spec.min || (spec.max >= 0 && len(args) > spec.max) {
		return c.Writer.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
	}

	propagate, err := spec.handler(ctx, c, args)
	if err != nil {
		return err
	}
	if propagate && ctx.Propagate != nil {
		ctx.Propagate(raw)
	}
	return nil
}

func writeBulkOrNull(w *resp.Writer, b []byte, ok bool) error {
	if !ok {
		return w.WriteNullBulkString()
	}
	return w.WriteBulkString(b)
}
