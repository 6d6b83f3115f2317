// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pushchannel is the topic-subscribe transport for targeted task
// assignment and per-worker commands (§6). The teacher only dials
// gorilla/websocket server-side (dashboard upgrades); this package uses the
// same library as a client, reconnecting with backoff the way the
// teacher's claude.Session.readLoop keeps reading until EOF then cleans up.
package pushchannel

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Action is a per-worker command kind (§6 topic worker-<id>).
type Action string

const (
	ActionPause        Action = "pause"
	ActionResume       Action = "resume"
	ActionAbort        Action = "abort"
	ActionMessage      Action = "message"
	ActionSkillInstall Action = "skill_install"
	ActionRollback     Action = "rollback"
)

// WorkerCommand is the body of a worker:command event on topic worker-<id>.
type WorkerCommand struct {
	Action            Action `json:"action"`
	Text              string `json:"text,omitempty"`
	Bundle            string `json:"bundle,omitempty"`
	InstallerCommand  string `json:"installerCommand,omitempty"`
	RequestID         string `json:"requestId,omitempty"`
	SkillSlug         string `json:"skillSlug,omitempty"`
	TargetLocalUIURL  string `json:"targetLocalUiUrl,omitempty"`
	CheckpointUUID    string `json:"checkpointUuid,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

// TaskAssigned is the payload of a task:assigned event on topic workspace-<id>.
type TaskAssigned struct {
	Task             json.RawMessage `json:"task"`
	TargetLocalUIURL string          `json:"targetLocalUiUrl,omitempty"`
}

// SkillInstallEvent is the payload of a skill:install event (§4.12).
type SkillInstallEvent struct {
	Bundle           string `json:"bundle,omitempty"`
	InstallerCommand string `json:"installerCommand,omitempty"`
}

// envelope is the wire shape of every topic message.
type envelope struct {
	Topic string          `json:"topic"`
	Kind  string          `json:"kind"`
	Body  json.RawMessage `json:"body"`
}

// Handler dispatches one decoded topic message.
type Handler struct {
	OnWorkerCommand func(workerID string, cmd WorkerCommand)
	OnTaskAssigned  func(workspaceID string, ev TaskAssigned)
	OnSkillInstall  func(workspaceID string, ev SkillInstallEvent)
}

const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// Client maintains one reconnecting websocket connection to the push
// channel and dispatches decoded topic messages to a Handler.
type Client struct {
	wsURL   string
	apiKey  string
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
}

// New constructs a push-channel client against wsURL (a ws:// or wss:// URL).
func New(wsURL, apiKey string, handler Handler) *Client {
	return &Client{wsURL: wsURL, apiKey: apiKey, handler: handler}
}

// Run connects and reconnects with exponential backoff until ctx is
// canceled, dispatching every decoded message to the handler.
func (c *Client) Run(ctx context.Context) {
	delay := minReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			log.Printf("runner: push channel disconnected: %v (retrying in %s)", err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return err
	}
	header := make(map[string][]string)
	if c.apiKey != "" {
		header["Authorization"] = []string{"Bearer " + c.apiKey}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Received messages do not reset Run's reconnect delay.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("runner: push channel message unparsable: %v", err)
		return
	}

	switch env.Kind {
	case "worker:command":
		var cmd WorkerCommand
		if err := json.Unmarshal(env.Body, &cmd); err == nil && c.handler.OnWorkerCommand != nil {
			c.handler.OnWorkerCommand(workerIDFromTopic(env.Topic), cmd)
		}
	case "task:assigned":
		var ev TaskAssigned
		if err := json.Unmarshal(env.Body, &ev); err == nil && c.handler.OnTaskAssigned != nil {
			c.handler.OnTaskAssigned(workspaceIDFromTopic(env.Topic), ev)
		}
	case "skill:install":
		var ev SkillInstallEvent
		if err := json.Unmarshal(env.Body, &ev); err == nil && c.handler.OnSkillInstall != nil {
			c.handler.OnSkillInstall(workspaceIDFromTopic(env.Topic), ev)
		}
	}
}

func workerIDFromTopic(topic string) string    { return trimPrefix(topic, "worker-") }
func workspaceIDFromTopic(topic string) string { return trimPrefix(topic, "workspace-") }

func trimPrefix(s, prefix string) string {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// Close terminates the active connection, if any, triggering a reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
}
