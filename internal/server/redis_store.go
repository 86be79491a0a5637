package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// redisStore counts login attempts in Redis via INCR with a window-long
// EXPIRE, so the limit holds across API replicas. It speaks a minimal RESP
// subset over one short-lived connection per check; login attempts are rare
// enough that pooling buys nothing, and keeping the limiter free of a client
// library means a Redis outage degrades to a plain error instead of a shared
// dependency failure.
type redisStore struct {
	addr     string
	password string
	timeout  time.Duration
}

func newRedisStore(addr, password string, timeout time.Duration) *redisStore {
	return &redisStore{addr: addr, password: password, timeout: timeout}
}

func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	conn, err := s.dial()
	if err != nil {
		return false, 0, err
	}
	defer conn.close()

	count, err := conn.intCommand("INCR", key)
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		seconds := int64(window / time.Second)
		if seconds <= 0 {
			seconds = 1
		}
		if _, err := conn.command("EXPIRE", key, strconv.FormatInt(seconds, 10)); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := conn.intCommand("TTL", key)
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		// Key without an expiry (or already gone): fall back to a full window.
		return false, window, nil
	}
	return false, time.Duration(ttl) * time.Second, nil
}

func (s *redisStore) dial() (*respConn, error) {
	nc, err := net.DialTimeout("tcp", s.addr, s.timeout)
	if err != nil {
		return nil, err
	}
	conn := &respConn{nc: nc, r: bufio.NewReader(nc), w: bufio.NewWriter(nc)}
	if s.password != "" {
		if _, err := conn.command("AUTH", s.password); err != nil {
			conn.close()
			return nil, fmt.Errorf("redis auth: %w", err)
		}
	}
	return conn, nil
}

// respConn is a single-use RESP connection. Replies are read synchronously
// after each command.
type respConn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

func (c *respConn) close() { c.nc.Close() }

func (c *respConn) command(args ...string) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("empty redis command")
	}
	if _, err := fmt.Fprintf(c.w, "*%d\r\n", len(args)); err != nil {
		return nil, err
	}
	for _, arg := range args {
		if _, err := fmt.Fprintf(c.w, "$%d\r\n%s\r\n", len(arg), arg); err != nil {
			return nil, err
		}
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}
	return c.reply()
}

func (c *respConn) intCommand(args ...string) (int64, error) {
	reply, err := c.command(args...)
	if err != nil {
		return 0, err
	}
	switch v := reply.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, errors.New("nil redis reply")
	default:
		return 0, fmt.Errorf("unexpected redis reply type %T", reply)
	}
}

func (c *respConn) reply() (interface{}, error) {
	prefix, err := c.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return c.line()
	case '-':
		msg, err := c.line()
		if err != nil {
			return nil, err
		}
		return nil, errors.New(msg)
	case ':':
		raw, err := c.line()
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(raw, 10, 64)
	case '$':
		raw, err := c.line()
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(raw)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	default:
		return nil, fmt.Errorf("unexpected redis reply prefix %q", prefix)
	}
}

func (c *respConn) line() (string, error) {
	raw, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r"), nil
}
