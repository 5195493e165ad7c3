// Copyright 2021 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/in-toto/ptracefs/log"
	"golang.org/x/sync/errgroup"
)

const (
	// Room for a MaxFetchSize payload plus its header.
	maxFrameSize = MaxFetchSize + 64*1024

	closeGracePeriod = time.Second
)

type result struct {
	resp *Response
	err  error
}

// Bridge is the tracer side of the remote filesystem connection. It listens
// for exactly one websocket peer and multiplexes requests over it, matching
// responses to callers by request id.
type Bridge struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	accepted chan *websocket.Conn
	outbound *queue
	done     chan struct{}

	mu        sync.Mutex
	connected bool
	conn      *websocket.Conn
	pending   map[string]chan result
	closed    bool
	err       error
}

// Listen starts accepting websocket upgrades on addr. Use Accept to wait for
// the peer.
func Listen(addr string) (*Bridge, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	b := &Bridge{
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
		accepted: make(chan *websocket.Conn, 1),
		outbound: newQueue(),
		done:     make(chan struct{}),
		pending:  make(map[string]chan result),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleUpgrade)
	b.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Errorf("(bridge) http server stopped: %v", err)
		}
	}()

	log.Infof("(bridge) listening on %s", b.URL())
	return b, nil
}

// Addr is the address the bridge listens on.
func (b *Bridge) Addr() net.Addr {
	return b.listener.Addr()
}

// URL is the websocket URL a peer should dial.
func (b *Bridge) URL() string {
	return fmt.Sprintf("ws://%s/", b.listener.Addr())
}

func (b *Bridge) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.connected || b.closed {
		b.mu.Unlock()
		http.Error(w, "a peer is already connected", http.StatusConflict)
		return
	}
	b.connected = true
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("(bridge) websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		b.mu.Lock()
		b.connected = false
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = conn.Close()
		return
	}
	// Only the first upgrade gets here, so the buffered send never blocks.
	b.accepted <- conn
}

// Accept waits for the peer to connect and starts the read and write pumps.
// The listener is closed once a peer is accepted.
func (b *Bridge) Accept(ctx context.Context) error {
	select {
	case conn := <-b.accepted:
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return ErrBridgeClosed
		}
		b.conn = conn
		b.mu.Unlock()

		_ = b.listener.Close()
		conn.SetReadLimit(maxFrameSize)
		log.Infof("(bridge) peer connected from %s", conn.RemoteAddr())
		go b.serve(conn)
		return nil
	case <-b.done:
		return ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) serve(conn *websocket.Conn) {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return b.writeLoop(ctx, conn)
	})
	g.Go(func() error {
		return b.readLoop(conn)
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	err := g.Wait()
	if errors.Is(err, ErrBridgeClosed) {
		log.Infof("(bridge) connection closed")
	} else {
		log.Errorf("(bridge) connection failed: %v", err)
	}
	b.shutdown(err)
}

func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		frame, err := b.outbound.pop(ctx)
		if errors.Is(err, ErrBridgeClosed) {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			return err
		} else if err != nil {
			return err
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrBridgeClosed
			}
			return fmt.Errorf("read message: %w", err)
		}

		if mt != websocket.BinaryMessage {
			log.Debugf("(bridge) ignoring non-binary message of type %d", mt)
			continue
		}

		resp, err := DecodeResponse(data)
		if err != nil {
			log.Errorf("(bridge) dropping malformed frame: %v", err)
			continue
		}

		b.deliver(resp)
	}
}

func (b *Bridge) deliver(resp *Response) {
	b.mu.Lock()
	ch, ok := b.pending[resp.ID]
	delete(b.pending, resp.ID)
	b.mu.Unlock()

	if !ok {
		log.Warnf("(bridge) response for unknown request %s", resp.ID)
		return
	}
	ch <- result{resp: resp}
}

// Do sends req and waits for the matching response. Sending never blocks on
// the socket; the wait ends with the response, ctx, or the connection
// closing.
func (b *Bridge) Do(ctx context.Context, req Request) (*Response, error) {
	frame, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	id := req.RequestID()
	ch := make(chan result, 1)

	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	case b.conn == nil:
		b.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, ok := b.pending[id]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("duplicate request id %s", id)
	}
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.outbound.push(frame); err != nil {
		b.forget(id)
		return nil, err
	}

	log.Debugf("(bridge) sent %s request %s for %s", req.Operation(), id, req.RemotePath())

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Pending reports how many requests are waiting for a response.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Done is closed once the bridge has shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err is the reason the connection ended, if it has.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// shutdown fails every outstanding request. It runs once.
func (b *Bridge) shutdown(cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = cause
	pending := b.pending
	b.pending = make(map[string]chan result)
	b.mu.Unlock()

	b.outbound.close()

	select {
	case conn := <-b.accepted:
		log.Debugf("(bridge) closing peer %s that was never accepted", conn.RemoteAddr())
		_ = conn.Close()
	default:
	}

	err := ErrBridgeClosed
	if cause != nil && !errors.Is(cause, ErrBridgeClosed) {
		err = fmt.Errorf("%w: %w", ErrBridgeClosed, cause)
	}
	for id, ch := range pending {
		log.Debugf("(bridge) failing pending request %s", id)
		ch <- result{err: err}
	}

	close(b.done)
}

// Close stops the listener and, if a peer is connected, closes the
// connection after telling the peer. Outstanding requests fail with
// ErrBridgeClosed.
func (b *Bridge) Close() error {
	_ = b.server.Close()

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	if conn == nil {
		b.shutdown(ErrBridgeClosed)
		return nil
	}

	b.outbound.close()
	<-b.done
	return nil
}
