package dispatch

import (
	"strconv"

	"github.com/edirooss/kvserver/internal/conn"
)

func cmdLPush(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return push(ctx, c, args, true)
}

func cmdRPush(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return push(ctx, c, args, false)
}

func push(ctx *Context, c *conn.Conn, args [][]byte, left bool) (bool, error) {
	key := string(args[1])
	items := args[2:]

	var n int
	var err error
	if left {
		n, err = ctx.Store.LPush(key, items...)
	} else {
		n, err = ctx.Store.RPush(key, items...)
	}
	if err != nil {
		return false, c.Writer.WriteError(err.Error())
	}
	if werr := c.Writer.WriteInteger(int64(n)); werr != nil {
		return false, werr
	}
	return true, nil
}

func cmdLRange(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	key := string(args[1])
	start, err1 := strconv.Atoi(string(args[2]))
	end, err2 := strconv.Atoi(string(args[3]))
	if err1 != nil || err2 != nil {
		return false, c.Writer.WriteError(errNotInt)
	}

	items, err := ctx.Store.LRange(key, start, end)
	if err != nil {
		return false, c.Writer.WriteError(err.Error())
	}

	if werr := c.Writer.BeginArray(len(items)); werr != nil {
		return false, werr
	}
	for _, it := range items {
		if werr := c.Writer.WriteBulkString(it); werr != nil {
			return false, werr
		}
	}
	return false, nil
}
