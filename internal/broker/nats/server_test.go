package nats

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeServer speaks enough of the NATS client protocol to connect,
// subscribe, publish and answer pings. Messages are routed to every
// subscription on every connected client.
type fakeServer struct {
	ln      net.Listener
	mu      sync.Mutex
	clients map[*fakeClient]struct{}
}

type fakeClient struct {
	conn net.Conn
	wmu  sync.Mutex
	subs map[string]string // sid -> subject
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, clients: make(map[*fakeClient]struct{})}
	go s.serve()
	t.Cleanup(func() {
		ln.Close()
		s.DropClients()
	})
	return s
}

func (s *fakeServer) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// DropClients closes every client connection from the server side
func (s *fakeServer) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.conn.Close()
		delete(s.clients, c)
	}
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &fakeClient{conn: conn, subs: make(map[string]string)}
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		go s.handle(c)
	}
}

func (s *fakeServer) handle(c *fakeClient) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.conn.Close()
	}()

	info := fmt.Sprintf(`INFO {"server_id":"fake","server_name":"fake","version":"2.10.0","proto":1,"host":"127.0.0.1","port":%d,"headers":true,"max_payload":1048576}`+"\r\n", s.Port())
	c.write(info)

	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "PING":
			c.write("PONG\r\n")
		case "SUB":
			if len(fields) < 3 {
				return
			}
			s.mu.Lock()
			c.subs[fields[len(fields)-1]] = fields[1]
			s.mu.Unlock()
		case "UNSUB":
			if len(fields) < 2 {
				return
			}
			s.mu.Lock()
			delete(c.subs, fields[1])
			s.mu.Unlock()
		case "PUB":
			if len(fields) < 3 {
				return
			}
			size, err := strconv.Atoi(fields[len(fields)-1])
			if err != nil {
				return
			}
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			s.route(fields[1], buf[:size])
		}
	}
}

func (s *fakeServer) route(subject string, payload []byte) {
	type delivery struct {
		client *fakeClient
		sid    string
	}

	s.mu.Lock()
	var targets []delivery
	for c := range s.clients {
		for sid, pattern := range c.subs {
			if subjectMatches(pattern, subject) {
				targets = append(targets, delivery{c, sid})
			}
		}
	}
	s.mu.Unlock()

	for _, d := range targets {
		d.client.write(fmt.Sprintf("MSG %s %s %d\r\n%s\r\n", subject, d.sid, len(payload), payload))
	}
}

func (c *fakeClient) write(s string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, _ = io.WriteString(c.conn, s)
}

func subjectMatches(pattern, subject string) bool {
	ps := strings.Split(pattern, ".")
	ss := strings.Split(subject, ".")
	for i, p := range ps {
		if p == ">" {
			return len(ss) > i
		}
		if i >= len(ss) || (p != "*" && p != ss[i]) {
			return false
		}
	}
	return len(ps) == len(ss)
}
