// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hyper-Int/devbridge/internal/id"
	"github.com/Hyper-Int/devbridge/internal/protocol"
)

const writeWait = 10 * time.Second

// ctlClient is one controller connection to devbridge-server.
type ctlClient struct {
	host string
	port int
	http *http.Client
	conn *websocket.Conn
}

func newClient(host string, port int, timeout time.Duration) *ctlClient {
	return &ctlClient{
		host: host,
		port: port,
		http: &http.Client{Timeout: timeout},
	}
}

func (c *ctlClient) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// status fetches the status document over plain HTTP.
func (c *ctlClient) status(ctx context.Context) (protocol.Status, error) {
	var st protocol.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.addr()+"/", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return st, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return st, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return st, fmt.Errorf("server error (%d): %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return st, fmt.Errorf("invalid status document: %w", err)
	}
	return st, nil
}

func (c *ctlClient) dial(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.addr(), Path: "/"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", u.String(), err)
	}
	c.conn = conn
	return nil
}

func (c *ctlClient) close() {
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *ctlClient) send(v any) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// next reads one frame, honoring ctx.
func (c *ctlClient) next(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// request sends a command and waits for the frame that answers it. A
// failure envelope without a request ID comes from the server itself and
// also ends the wait.
func (c *ctlClient) request(ctx context.Context, frame map[string]any) (protocol.Response, json.RawMessage, error) {
	requestID := id.Request()
	frame["requestId"] = requestID
	if err := c.send(frame); err != nil {
		return protocol.Response{}, nil, err
	}

	for {
		data, err := c.next(ctx)
		if err != nil {
			return protocol.Response{}, nil, err
		}
		var resp struct {
			protocol.Response
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		switch {
		case resp.RequestID == requestID:
		case resp.RequestID == "" && resp.Type == "" && !resp.Success && resp.Error != "":
		default:
			continue
		}
		if !resp.Success {
			return resp.Response, nil, errors.New(resp.Error)
		}
		return resp.Response, resp.Data, nil
	}
}

// expect reads until a frame of type typ arrives.
func (c *ctlClient) expect(ctx context.Context, typ string) ([]byte, error) {
	for {
		data, err := c.next(ctx)
		if err != nil {
			return nil, err
		}
		h, err := protocol.Peek(data)
		if err != nil {
			continue
		}
		if h.Type == typ {
			return data, nil
		}
		if h.Type == "" {
			var resp protocol.Response
			if json.Unmarshal(data, &resp) == nil && !resp.Success && resp.Error != "" {
				return nil, errors.New(resp.Error)
			}
		}
	}
}
