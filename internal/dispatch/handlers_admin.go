package dispatch

import (
	"strings"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/replinfo"
)

func cmdPing(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	if len(args) == 2 {
		return false, c.Writer.WriteSimpleString(string(args[1]))
	}
	return false, c.Writer.WriteSimpleString("PONG")
}

func cmdEcho(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return false, c.Writer.WriteSimpleString(string(args[1]))
}

func cmdConfigGet(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	if !strings.EqualFold(string(args[1]), "GET") {
		return false, c.Writer.WriteError("ERR unsupported CONFIG subcommand")
	}

	known := map[string]string{
		"dir":        ctx.Cfg.Dir,
		"dbfilename": ctx.Cfg.DBFilename,
	}

	var keys []string
	for _, a := range args[2:] {
		k := string(a)
		if k == "*" {
			keys = append(keys, "dir", "dbfilename")
			continue
		}
		if _, ok := known[strings.ToLower(k)]; ok {
			keys = append(keys, strings.ToLower(k))
		}
	}

	if err := c.Writer.BeginArray(len(keys) * 2); err != nil {
		return false, err
	}
	for _, k := range keys {
		if err := c.Writer.WriteBulkString([]byte(k)); err != nil {
			return false, err
		}
		if err := c.Writer.WriteBulkString([]byte(known[k])); err != nil {
			return false, err
		}
	}
	return false, nil
}

func cmdSave(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	if err := ctx.Saver.Save(); err != nil {
		return false, c.Writer.WriteError("ERR " + err.Error())
	}
	return false, c.Writer.WriteSimpleString("OK")
}

func cmdDBSize(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return false, c.Writer.WriteInteger(int64(ctx.Store.DBSize()))
}

func cmdInfo(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	if ctx.Info.Role == replinfo.RoleMaster && ctx.Replicator != nil {
		ctx.Info.Replicas = ctx.Replicator.Replicas()
	}
	return false, c.Writer.WriteBulkString([]byte(ctx.Info.Section()))
}

func cmdFlushAll(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	ctx.Store.FlushAll()
	if err := c.Writer.WriteSimpleString("OK"); err != nil {
		return false, err
	}
	return true, nil
}

func cmdReplConf(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return false, ctx.Replicator.HandleReplConf(c, args)
}

func cmdPSync(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return false, ctx.Replicator.HandlePSYNC(c, args)
}
