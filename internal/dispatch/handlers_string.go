package dispatch

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/edirooss/kvserver/internal/conn"
	"github.com/edirooss/kvserver/internal/store"
)

const (
	errNotInt    = "ERR value is not an integer or out of range"
	errNegExpire = "ERR expiration must be a non-negative integer"
	errOverflow  = "ERR increment or decrement would overflow"
	errSyntax    = "ERR syntax error"
)

func nowMs() int64 { return time.Now().UnixMilli() }

func cmdSet(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	key, value := string(args[1]), args[2]

	var nx, xx, getFlag, keepTTL bool
	var ttlMode string // "", "EX", "PX", "EXAT", "PXAT"
	var ttlValue int64

	rest := args[3:]
	for i := 0; i < len(rest); i++ {
		opt := strings.ToUpper(string(rest[i]))
		switch opt {
		case "NX":
			nx = true
		case "XX":
			xx = true
		case "GET":
			getFlag = true
		case "KEEPTTL":
			keepTTL = true
		case "EX", "PX", "EXAT", "PXAT":
			if i+1 >= len(rest) {
				return false, c.Writer.WriteError(errSyntax)
			}
			n, err := strconv.ParseInt(string(rest[i+1]), 10, 64)
			if err != nil {
				return false, c.Writer.WriteError(errNotInt)
			}
			ttlMode = opt
			ttlValue = n
			i++
		default:
			return false, c.Writer.WriteError(errSyntax)
		}
	}
	if nx && xx {
		return false, c.Writer.WriteError(errSyntax)
	}
	if keepTTL && ttlMode != "" {
		return false, c.Writer.WriteError(errSyntax)
	}

	old, existed := ctx.Store.Get(key)
	if nx && existed {
		return false, c.Writer.WriteNullBulkString()
	}
	if xx && !existed {
		return false, c.Writer.WriteNullBulkString()
	}

	var expireAt int64
	switch ttlMode {
	case "EX":
		expireAt = nowMs() + ttlValue*1000
	case "PX":
		expireAt = nowMs() + ttlValue
	case "EXAT":
		expireAt = ttlValue * 1000
	case "PXAT":
		expireAt = ttlValue
	case "":
		if keepTTL && existed {
			expireAt = old.ExpireAt
		}
	}
	if ttlMode != "" && expireAt < 0 {
		return false, c.Writer.WriteError(errNegExpire)
	}

	ctx.Store.Set(key, store.Value{Kind: store.KindString, Str: append([]byte(nil), value...), ExpireAt: expireAt})

	if getFlag {
		return true, writeBulkOrNull(c.Writer, old.Str, existed)
	}
	if err := c.Writer.WriteSimpleString("OK"); err != nil {
		return false, err
	}
	return true, nil
}

func cmdGet(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	v, ok := ctx.Store.Get(string(args[1]))
	if ok && v.Kind != store.KindString {
		return false, c.Writer.WriteError(store.ErrTypeMismatch.Error())
	}
	return false, writeBulkOrNull(c.Writer, v.Str, ok)
}

func cmdExist(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	var n int64
	for _, k := range args[1:] {
		if ctx.Store.Exists(string(k)) {
			n++
		}
	}
	return false, c.Writer.WriteInteger(n)
}

func cmdDel(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	var deleted bool
	for _, k := range args[1:] {
		if ctx.Store.Delete(string(k)) {
			deleted = true
		}
	}
	if err := c.Writer.WriteSimpleString("OK"); err != nil {
		return false, err
	}
	return deleted, nil
}

func cmdIncr(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return incrDecr(ctx, c, string(args[1]), 1)
}

func cmdDecr(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	return incrDecr(ctx, c, string(args[1]), -1)
}

func incrDecr(ctx *Context, c *conn.Conn, key string, delta int64) (bool, error) {
	old, existed := ctx.Store.Get(key)
	if existed && old.Kind != store.KindString {
		return false, c.Writer.WriteError(store.ErrTypeMismatch.Error())
	}

	var cur int64
	if existed {
		n, err := strconv.ParseInt(string(old.Str), 10, 64)
		if err != nil {
			return false, c.Writer.WriteError(errNotInt)
		}
		cur = n
	}

	if (delta > 0 && cur == math.MaxInt64) || (delta < 0 && cur == math.MinInt64) {
		return false, c.Writer.WriteError(errOverflow)
	}

	next := cur + delta
	ctx.Store.Set(key, store.Value{Kind: store.KindString, Str: []byte(strconv.FormatInt(next, 10)), ExpireAt: old.ExpireAt})
	if err := c.Writer.WriteInteger(next); err != nil {
		return false, err
	}
	return true, nil
}

func cmdType(ctx *Context, c *conn.Conn, args [][]byte) (bool, error) {
	v, ok := ctx.Store.Get(string(args[1]))
	if !ok {
		return false, c.Writer.WriteSimpleString("none")
	}
	if v.Kind == store.KindList {
		return false, c.Writer.WriteSimpleString("list")
	}
	return false, c.Writer.WriteSimpleString("string")
}
