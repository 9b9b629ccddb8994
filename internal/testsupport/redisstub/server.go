// Package redisstub runs a minimal in-process RESP server covering the
// command surface the relay issues: string get/set with expiry options,
// pub/sub with push frames, and the lock-release script. Tests point a real
// client at Addr() instead of an external broker.
package redisstub

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	closed   chan struct{}

	mu          sync.Mutex
	kv          map[string]valueEntry
	subscribers map[string]map[*conn]struct{}
}

type valueEntry struct {
	value  string
	expiry time.Time
}

type conn struct {
	raw    net.Conn
	writer *bufio.Writer

	// writeMu serialises reply frames with push frames from PUBLISH, which
	// arrive from other connections' goroutines.
	writeMu  sync.Mutex
	channels map[string]struct{}
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:        opts,
		listener:    ln,
		addr:        ln.Addr().String(),
		closed:      make(chan struct{}),
		kv:          make(map[string]valueEntry),
		subscribers: make(map[string]map[*conn]struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// Value returns the stored value for key, observing expiry.
func (s *Server) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(key)
}

// SetValue seeds a key directly, bypassing the protocol.
func (s *Server) SetValue(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = valueEntry{value: value}
}

// SubscriberCount reports how many connections are subscribed to channel.
func (s *Server) SubscriberCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[channel])
}

func (s *Server) serve() {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(raw)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	c := &conn{
		raw:      raw,
		writer:   bufio.NewWriter(raw),
		channels: make(map[string]struct{}),
	}
	defer func() {
		s.dropSubscriber(c)
		raw.Close()
	}()
	reader := bufio.NewReader(raw)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			c.writeError("ERR wrong number of arguments")
			continue
		}
		cmd := strings.ToUpper(args[0])
		switch cmd {
		case "PING":
			if err := c.writeSimpleString("PONG"); err != nil {
				return
			}
		case "HELLO":
			// Declining HELLO pushes clients down to RESP2, which is all
			// the stub speaks.
			if err := c.writeError("ERR unknown command 'HELLO'"); err != nil {
				return
			}
		case "AUTH":
			candidate := args[len(args)-1]
			if s.opts.Password == "" || (len(args) >= 2 && candidate == s.opts.Password) {
				authenticated = true
				if err := c.writeSimpleString("OK"); err != nil {
					return
				}
			} else {
				if err := c.writeError("WRONGPASS invalid username-password pair"); err != nil {
					return
				}
			}
		case "SELECT", "CLIENT":
			if err := c.writeSimpleString("OK"); err != nil {
				return
			}
		default:
			if !authenticated {
				if err := c.writeError("NOAUTH Authentication required."); err != nil {
					return
				}
				continue
			}
			if !s.dispatch(c, args) {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *conn, args []string) bool {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "GET":
		if len(args) != 2 {
			return c.writeError("ERR wrong number of arguments for 'get'") == nil
		}
		s.mu.Lock()
		value, ok := s.lookup(args[1])
		s.mu.Unlock()
		if !ok {
			return c.writeBulkNil() == nil
		}
		return c.writeBulkString(value) == nil
	case "SET":
		return s.handleSet(c, args)
	case "DEL":
		if len(args) < 2 {
			return c.writeError("ERR wrong number of arguments for 'del'") == nil
		}
		removed := int64(0)
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.lookup(key); ok {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return c.writeInteger(removed) == nil
	case "EXISTS":
		if len(args) < 2 {
			return c.writeError("ERR wrong number of arguments for 'exists'") == nil
		}
		found := int64(0)
		s.mu.Lock()
		for _, key := range args[1:] {
			if _, ok := s.lookup(key); ok {
				found++
			}
		}
		s.mu.Unlock()
		return c.writeInteger(found) == nil
	case "INCR":
		if len(args) != 2 {
			return c.writeError("ERR wrong number of arguments for 'incr'") == nil
		}
		s.mu.Lock()
		current, _ := s.lookup(args[1])
		value, err := strconv.ParseInt(firstNonEmpty(current, "0"), 10, 64)
		if err != nil {
			s.mu.Unlock()
			return c.writeError("ERR value is not an integer or out of range") == nil
		}
		value++
		entry := s.kv[args[1]]
		entry.value = strconv.FormatInt(value, 10)
		s.kv[args[1]] = entry
		s.mu.Unlock()
		return c.writeInteger(value) == nil
	case "EXPIRE":
		if len(args) != 3 {
			return c.writeError("ERR wrong number of arguments for 'expire'") == nil
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return c.writeError("ERR invalid expire time") == nil
		}
		s.mu.Lock()
		entry, ok := s.kv[args[1]]
		if ok {
			entry.expiry = time.Now().Add(time.Duration(seconds) * time.Second)
			s.kv[args[1]] = entry
		}
		s.mu.Unlock()
		if !ok {
			return c.writeInteger(0) == nil
		}
		return c.writeInteger(1) == nil
	case "TTL":
		if len(args) != 2 {
			return c.writeError("ERR wrong number of arguments for 'ttl'") == nil
		}
		s.mu.Lock()
		entry, ok := s.kv[args[1]]
		s.mu.Unlock()
		switch {
		case !ok:
			return c.writeInteger(-2) == nil
		case entry.expiry.IsZero():
			return c.writeInteger(-1) == nil
		default:
			remaining := time.Until(entry.expiry)
			if remaining <= 0 {
				return c.writeInteger(-2) == nil
			}
			return c.writeInteger(int64(remaining/time.Second)) == nil
		}
	case "PUBLISH":
		if len(args) != 3 {
			return c.writeError("ERR wrong number of arguments for 'publish'") == nil
		}
		delivered := s.publish(args[1], args[2])
		return c.writeInteger(delivered) == nil
	case "SUBSCRIBE":
		if len(args) < 2 {
			return c.writeError("ERR wrong number of arguments for 'subscribe'") == nil
		}
		for _, channel := range args[1:] {
			s.addSubscriber(channel, c)
			if err := c.writePush("subscribe", channel, int64(len(c.channels))); err != nil {
				return false
			}
		}
		return true
	case "UNSUBSCRIBE":
		channels := args[1:]
		if len(channels) == 0 {
			for channel := range c.channels {
				channels = append(channels, channel)
			}
		}
		for _, channel := range channels {
			s.removeSubscriber(channel, c)
			if err := c.writePush("unsubscribe", channel, int64(len(c.channels))); err != nil {
				return false
			}
		}
		return true
	case "EVAL", "EVALSHA":
		return s.handleEval(c, args)
	default:
		return c.writeError("ERR unsupported command") == nil
	}
}

func (s *Server) handleSet(c *conn, args []string) bool {
	if len(args) < 3 {
		return c.writeError("ERR wrong number of arguments for 'set'") == nil
	}
	key, value := args[1], args[2]
	var expiry time.Time
	onlyIfAbsent := false
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			onlyIfAbsent = true
		case "EX", "PX":
			if i+1 >= len(args) {
				return c.writeError("ERR syntax error") == nil
			}
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return c.writeError("ERR invalid expire time in 'set'") == nil
			}
			unit := time.Second
			if strings.EqualFold(args[i], "PX") {
				unit = time.Millisecond
			}
			expiry = time.Now().Add(time.Duration(amount) * unit)
			i++
		default:
			return c.writeError("ERR syntax error") == nil
		}
	}
	s.mu.Lock()
	if onlyIfAbsent {
		if _, exists := s.lookup(key); exists {
			s.mu.Unlock()
			return c.writeBulkNil() == nil
		}
	}
	s.kv[key] = valueEntry{value: value, expiry: expiry}
	s.mu.Unlock()
	return c.writeSimpleString("OK") == nil
}

// handleEval implements the only script the relay issues: delete the key if
// its value matches ARGV[1], returning the deletion count.
func (s *Server) handleEval(c *conn, args []string) bool {
	if len(args) < 5 {
		return c.writeError("ERR wrong number of arguments for 'eval'") == nil
	}
	key, token := args[3], args[4]
	s.mu.Lock()
	value, ok := s.lookup(key)
	deleted := int64(0)
	if ok && value == token {
		delete(s.kv, key)
		deleted = 1
	}
	s.mu.Unlock()
	return c.writeInteger(deleted) == nil
}

// lookup reads a key observing lazy expiry. Callers hold s.mu.
func (s *Server) lookup(key string) (string, bool) {
	entry, ok := s.kv[key]
	if !ok {
		return "", false
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return "", false
	}
	return entry.value, true
}

func (s *Server) addSubscriber(channel string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[*conn]struct{})
	}
	s.subscribers[channel][c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (s *Server) removeSubscriber(channel string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs := s.subscribers[channel]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.subscribers, channel)
		}
	}
	delete(c.channels, channel)
}

func (s *Server) dropSubscriber(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel := range c.channels {
		if subs := s.subscribers[channel]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(s.subscribers, channel)
			}
		}
	}
}

func (s *Server) publish(channel, payload string) int64 {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.subscribers[channel]))
	for sub := range s.subscribers[channel] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	for _, sub := range targets {
		_ = sub.writePush("message", channel, payload)
	}
	return int64(len(targets))
}

func (c *conn) writeSimpleString(value string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "+%s\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *conn) writeBulkString(value string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeBulkStringRaw(c.writer, value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *conn) writeBulkNil() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *conn) writeInteger(value int64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, ":%d\r\n", value); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *conn) writeError(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "-%s\r\n", msg); err != nil {
		return err
	}
	return c.writer.Flush()
}

// writePush writes the three-element array used for subscription
// confirmations and message delivery.
func (c *conn) writePush(kind, channel string, last any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "*3\r\n"); err != nil {
		return err
	}
	if err := writeBulkStringRaw(c.writer, kind); err != nil {
		return err
	}
	if err := writeBulkStringRaw(c.writer, channel); err != nil {
		return err
	}
	switch v := last.(type) {
	case int64:
		if _, err := fmt.Fprintf(c.writer, ":%d\r\n", v); err != nil {
			return err
		}
	case string:
		if err := writeBulkStringRaw(c.writer, v); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported push element %T", last)
	}
	return c.writer.Flush()
}

func writeBulkStringRaw(w *bufio.Writer, value string) error {
	_, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return err
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	// Inline commands keep the handshake tolerant of simple test clients.
	if prefix != '*' {
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return strings.Fields(line), nil
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := readFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
