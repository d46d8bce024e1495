// Package transport implements the Agent Transport (spec.md §4.2): it
// opens the host side of the hypervisor-provided multiplexed channel,
// performs the CONNECT handshake, and exchanges newline-delimited
// JSON-RPC 2.0 messages with a per-call deadline. Grounded on
// original_source/crates/bouvet-core/src/client.rs, translated into Go's
// net.Conn + bufio idiom used throughout the teacher repository
// (cmd/runner's client dialer, internal/runtime/linux's execViaSocket).
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/vmforge/vmforge/internal/sberr"
	"github.com/vmforge/vmforge/internal/wire"
)

// ConnectTimeout is the hard deadline on the connect+handshake retry loop.
const ConnectTimeout = 10 * time.Second

// RetryInterval is the pause between connect attempts.
const RetryInterval = 100 * time.Millisecond

// CallTimeout bounds a single RPC round trip.
const CallTimeout = 30 * time.Second

// Transport is one ordered, bidirectional, byte-oriented channel to an
// in-guest agent. At most one call is in flight at a time, enforced by mu.
type Transport struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	nextID uint64
}

// dialFunc exists so tests can substitute net.Dial with an in-process
// listener without touching the filesystem.
var dialFunc = func(ctx context.Context, path string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "unix", path)
}

// Connect opens a stream connection to path, retrying every RetryInterval
// until ConnectTimeout elapses, then performs the CONNECT handshake.
// Failure after the deadline surfaces as sberr.AgentUnreachable.
func Connect(ctx context.Context, path string) (*Transport, error) {
	deadline := time.Now().Add(ConnectTimeout)
	for {
		t, err := tryConnect(ctx, path)
		if err == nil {
			return t, nil
		}
		if time.Now().After(deadline) {
			return nil, sberr.AgentUnreachable(ConnectTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, sberr.IOWrap(ctx.Err())
		case <-time.After(RetryInterval):
		}
	}
}

func tryConnect(ctx context.Context, path string) (*Transport, error) {
	conn, err := dialFunc(ctx, path)
	if err != nil {
		return nil, sberr.Connection(err.Error())
	}

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	if _, err := fmt.Fprintf(writer, "CONNECT %d\n", wire.GuestPort); err != nil {
		conn.Close()
		return nil, sberr.Connection(err.Error())
	}
	if err := writer.Flush(); err != nil {
		conn.Close()
		return nil, sberr.Connection(err.Error())
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, sberr.Connection(err.Error())
	}
	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, sberr.Connection("handshake rejected: " + strings.TrimSpace(line))
	}

	return &Transport{
		conn:   conn,
		reader: reader,
		writer: writer,
		nextID: 1,
	}, nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}

// Call issues one RPC and decodes its result into out. Holds the transport
// mutex for its whole duration, so at most one call is in flight on this
// Transport at a time (spec.md §4.3, §5). The response read is synchronous
// and bounded by conn.SetReadDeadline rather than a background goroutine,
// so a timed-out call never leaves a second reader behind on t.reader.
func (t *Transport) Call(ctx context.Context, method string, params, out any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++

	req := wire.Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return sberr.Serialization(err.Error())
	}

	if _, err := t.writer.Write(reqJSON); err != nil {
		return sberr.IOWrap(err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return sberr.IOWrap(err)
	}
	if err := t.writer.Flush(); err != nil {
		return sberr.IOWrap(err)
	}

	deadline := CallTimeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < deadline {
			deadline = remaining
		}
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return sberr.IOWrap(err)
	}
	line, err := t.reader.ReadString('\n')
	t.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if ctx.Err() != nil {
			return sberr.RPC(wire.ErrCodeTimeout, "response timeout")
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return sberr.RPC(wire.ErrCodeTimeout, "response timeout")
		}
		return sberr.IOWrap(err)
	}

	var resp wire.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return sberr.Serialization(err.Error())
	}
	if resp.Error != nil {
		return sberr.RPC(resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return sberr.RPC(wire.ErrCodeTimeout, "missing result")
	}

	if out == nil {
		return nil
	}
	resultJSON, err := json.Marshal(resp.Result)
	if err != nil {
		return sberr.Serialization(err.Error())
	}
	if err := json.Unmarshal(resultJSON, out); err != nil {
		return sberr.Serialization(err.Error())
	}
	return nil
}

// Ping issues the "ping" method.
func (t *Transport) Ping(ctx context.Context) error {
	var res wire.PingResult
	return t.Call(ctx, wire.MethodPing, struct{}{}, &res)
}

// Exec issues "exec".
func (t *Transport) Exec(ctx context.Context, cmd string) (wire.ExecResult, error) {
	var res wire.ExecResult
	err := t.Call(ctx, wire.MethodExec, wire.ExecParams{Cmd: cmd}, &res)
	return res, err
}

// ExecCode issues "exec_code".
func (t *Transport) ExecCode(ctx context.Context, lang, code string) (wire.ExecResult, error) {
	var res wire.ExecResult
	err := t.Call(ctx, wire.MethodExecCode, wire.ExecCodeParams{Lang: lang, Code: code}, &res)
	return res, err
}

// ReadFile issues "read_file".
func (t *Transport) ReadFile(ctx context.Context, path string) (string, error) {
	var res wire.ReadFileResult
	err := t.Call(ctx, wire.MethodReadFile, wire.ReadFileParams{Path: path}, &res)
	return res.Content, err
}

// WriteFile issues "write_file".
func (t *Transport) WriteFile(ctx context.Context, path, content string) error {
	var res wire.WriteFileResult
	return t.Call(ctx, wire.MethodWriteFile, wire.WriteFileParams{Path: path, Content: content}, &res)
}

// ListDir issues "list_dir".
func (t *Transport) ListDir(ctx context.Context, path string) ([]wire.FileEntry, error) {
	var res wire.ListDirResult
	err := t.Call(ctx, wire.MethodListDir, wire.ListDirParams{Path: path}, &res)
	return res.Entries, err
}
