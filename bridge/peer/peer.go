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

// Package peer is the remote end of the bridge: it dials the tracer and
// answers read and write requests from a Storage.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/in-toto/ptracefs/bridge"
	"github.com/in-toto/ptracefs/log"
)

type Peer struct {
	conn    *websocket.Conn
	storage Storage

	reads  atomic.Int64
	writes atomic.Int64
}

// Dial connects to the bridge at url.
func Dial(ctx context.Context, url string, storage Storage) (*Peer, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	log.Infof("(peer) connected to %s", url)
	return &Peer{conn: conn, storage: storage}, nil
}

// Serve answers requests until the bridge closes the connection or ctx ends.
// A normal close is not an error.
func (p *Peer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.Close()
	})
	defer stop()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if mt != websocket.BinaryMessage {
			continue
		}

		req, err := bridge.DecodeRequest(data)
		if err != nil {
			log.Errorf("(peer) dropping malformed request: %v", err)
			continue
		}

		frame, err := bridge.EncodeResponse(p.handle(req))
		if err != nil {
			return err
		}

		if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (p *Peer) handle(req bridge.Request) *bridge.Response {
	resp := &bridge.Response{ID: req.RequestID()}

	switch r := req.(type) {
	case *bridge.ReadRequest:
		p.reads.Add(1)
		data, err := p.storage.ReadFile(r.Path, r.Offset, r.Size)
		if err != nil {
			log.Debugf("(peer) read %s failed: %v", r.Path, err)
			resp.Error = err.Error()
			return resp
		}

		n := len(data)
		resp.Success = true
		resp.BytesRead = &n
		resp.Data = data
		log.Debugf("(peer) read %s: %d bytes", r.Path, n)
	case *bridge.WriteRequest:
		p.writes.Add(1)
		n, err := p.storage.WriteFile(r.Path, r.Offset, r.Data, r.Truncate)
		if err != nil {
			log.Debugf("(peer) write %s failed: %v", r.Path, err)
			resp.Error = err.Error()
			return resp
		}

		resp.Success = true
		resp.BytesWritten = &n
		log.Debugf("(peer) wrote %s: %d bytes", r.Path, n)
	default:
		resp.Error = fmt.Sprintf("unsupported operation %s", req.Operation())
	}

	return resp
}

// Requests is the number of requests answered so far.
func (p *Peer) Requests() int64 {
	return p.reads.Load() + p.writes.Load()
}

func (p *Peer) Reads() int64 {
	return p.reads.Load()
}

func (p *Peer) Writes() int64 {
	return p.writes.Load()
}

// Close says goodbye and drops the connection.
func (p *Peer) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debugf("(peer) close handshake: %v", err)
	}
	return p.conn.Close()
}
