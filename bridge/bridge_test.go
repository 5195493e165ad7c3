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

package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/in-toto/ptracefs/bridge"
	"github.com/in-toto/ptracefs/bridge/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *bridge.Bridge {
	t.Helper()
	b, err := bridge.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// connect starts a bridge with a serving peer attached.
func connect(t *testing.T, storage peer.Storage) (*bridge.Bridge, *peer.Peer) {
	t.Helper()
	b := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := peer.Dial(ctx, b.URL(), storage)
	require.NoError(t, err)
	require.NoError(t, b.Accept(ctx))

	served := make(chan error, 1)
	go func() {
		served <- p.Serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = p.Close()
		<-served
	})

	return b, p
}

// dialRaw connects a bare websocket client to stand in for a peer.
func dialRaw(t *testing.T, b *bridge.Bridge) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.URL(), nil)
	require.NoError(t, err)
	require.NoError(t, b.Accept(ctx))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readRequest(t *testing.T, conn *websocket.Conn) bridge.Request {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	req, err := bridge.DecodeRequest(data)
	require.NoError(t, err)
	return req
}

func TestBridgeRead(t *testing.T) {
	storage := peer.NewMemoryStorage(map[string][]byte{
		"/test/file.txt": []byte("remote content"),
	})
	b, p := connect(t, storage)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := b.Do(ctx, bridge.NewReadRequest("/test/file.txt", bridge.MaxFetchSize, 0))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.BytesRead)
	assert.Equal(t, 14, *resp.BytesRead)
	assert.Equal(t, []byte("remote content"), resp.Data)
	assert.Equal(t, int64(1), p.Reads())
	assert.Zero(t, b.Pending())
}

func TestBridgeReadMissing(t *testing.T) {
	b, _ := connect(t, peer.NewMemoryStorage(nil))

	resp, err := b.Do(context.Background(), bridge.NewReadRequest("/test/nonexistent_file.txt", bridge.MaxFetchSize, 0))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "File not found")
}

func TestBridgeWrite(t *testing.T) {
	storage := peer.NewMemoryStorage(map[string][]byte{
		"/test/write_test.txt": []byte("previous content that is longer"),
	})
	b, p := connect(t, storage)

	data := []byte("Hello, this is a test write!\n")
	resp, err := b.Do(context.Background(), bridge.NewWriteRequest("/test/write_test.txt", data))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.BytesWritten)
	assert.Equal(t, 29, *resp.BytesWritten)
	assert.Equal(t, int64(1), p.Writes())

	stored, ok := storage.File("/test/write_test.txt")
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestBridgeConcurrentRequests(t *testing.T) {
	files := make(map[string][]byte)
	for i := 0; i < 32; i++ {
		files[fmt.Sprintf("/test/%d.txt", i)] = []byte(fmt.Sprintf("content of file %d", i))
	}
	b, p := connect(t, peer.NewMemoryStorage(files))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := b.Do(context.Background(), bridge.NewReadRequest(fmt.Sprintf("/test/%d.txt", i), 1024, 0))
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("content of file %d", i), string(resp.Data))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(32), p.Requests())
	assert.Zero(t, b.Pending())
}

func TestBridgeOutOfOrderResponses(t *testing.T) {
	b := listen(t)
	conn := dialRaw(t, b)

	type answer struct {
		resp *bridge.Response
		err  error
	}
	first, second := make(chan answer, 1), make(chan answer, 1)
	go func() {
		resp, err := b.Do(context.Background(), bridge.NewReadRequest("/first", 10, 0))
		first <- answer{resp, err}
	}()
	reqA := readRequest(t, conn)
	go func() {
		resp, err := b.Do(context.Background(), bridge.NewReadRequest("/second", 10, 0))
		second <- answer{resp, err}
	}()
	reqB := readRequest(t, conn)

	for _, req := range []bridge.Request{reqB, reqA} {
		frame, err := bridge.EncodeResponse(&bridge.Response{
			ID:      req.RequestID(),
			Success: true,
			Data:    []byte(req.RemotePath()),
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}

	a := <-first
	require.NoError(t, a.err)
	assert.Equal(t, "/first", string(a.resp.Data))

	s := <-second
	require.NoError(t, s.err)
	assert.Equal(t, "/second", string(s.resp.Data))
}

func TestBridgeIgnoresUnknownResponses(t *testing.T) {
	b := listen(t)
	conn := dialRaw(t, b)

	done := make(chan *bridge.Response, 1)
	go func() {
		resp, _ := b.Do(context.Background(), bridge.NewReadRequest("/file", 10, 0))
		done <- resp
	}()
	req := readRequest(t, conn)

	for _, id := range []string{"not-a-request", req.RequestID()} {
		frame, err := bridge.EncodeResponse(&bridge.Response{ID: id, Success: true})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))

	select {
	case resp := <-done:
		require.NotNil(t, resp)
		assert.Equal(t, req.RequestID(), resp.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestBridgeNotConnected(t *testing.T) {
	b := listen(t)

	_, err := b.Do(context.Background(), bridge.NewReadRequest("/file", 10, 0))
	assert.ErrorIs(t, err, bridge.ErrNotConnected)
}

func TestBridgeRejectsSecondPeer(t *testing.T) {
	b := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.DefaultDialer.DialContext(ctx, b.URL(), nil)
	require.NoError(t, err)
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.DialContext(ctx, b.URL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, b.Accept(ctx))

	_, _, err = websocket.DefaultDialer.DialContext(ctx, b.URL(), nil)
	assert.Error(t, err, "listener is closed after the first peer")
}

func TestBridgeCloseFailsPending(t *testing.T) {
	b := listen(t)
	conn := dialRaw(t, b)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Do(context.Background(), bridge.NewReadRequest("/never/answered", 10, 0))
		errs <- err
	}()
	readRequest(t, conn)
	require.Eventually(t, func() bool { return b.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}
	assert.Zero(t, b.Pending())

	_, err := b.Do(context.Background(), bridge.NewReadRequest("/late", 10, 0))
	assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
}

func TestBridgePeerDisconnect(t *testing.T) {
	b := listen(t)
	conn := dialRaw(t, b)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Do(context.Background(), bridge.NewReadRequest("/never/answered", 10, 0))
		errs <- err
	}()
	readRequest(t, conn)
	require.NoError(t, conn.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, bridge.ErrBridgeClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}

	<-b.Done()
	assert.Error(t, b.Err())
}

func TestBridgeDoContext(t *testing.T) {
	b := listen(t)
	conn := dialRaw(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.Do(ctx, bridge.NewReadRequest("/slow", 10, 0))
		errs <- err
	}()
	readRequest(t, conn)
	cancel()

	assert.ErrorIs(t, <-errs, context.Canceled)
	assert.Zero(t, b.Pending())
}

func TestAcceptContext(t *testing.T) {
	b := listen(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Accept(ctx), context.DeadlineExceeded)
}

func TestCloseWithoutAccept(t *testing.T) {
	b := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.URL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, b.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection should be closed by the bridge, not time out")
	}

	assert.ErrorIs(t, b.Accept(ctx), bridge.ErrBridgeClosed)
}
