package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hourwatch/internal/core"
)

const maxMatrixResponse = 8 << 20

// MatrixError is a structured error response from the homeserver.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// ErrCodeUnknownToken is returned for expired or revoked access tokens.
const ErrCodeUnknownToken = "M_UNKNOWN_TOKEN"

// MatrixSession is the login state persisted between restarts.
type MatrixSession struct {
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

// MatrixClient talks to a homeserver over the Client-Server API.
type MatrixClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	session MatrixSession

	txnCounter atomic.Uint64
}

// NewMatrixClient creates an unauthenticated client. A nil httpClient uses
// one without an overall timeout, since sync requests long-poll.
func NewMatrixClient(homeserverURL string, httpClient *http.Client, logger *slog.Logger) (*MatrixClient, error) {
	if homeserverURL == "" {
		return nil, errors.New("matrix: homeserver url is required")
	}
	if _, err := url.Parse(homeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid homeserver url %q: %w", homeserverURL, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixClient{
		baseURL:    strings.TrimRight(homeserverURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Session returns the current login state.
func (c *MatrixClient) Session() MatrixSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession installs a previously saved login.
func (c *MatrixClient) SetSession(s MatrixSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// UserID returns the logged-in user, or "" before login.
func (c *MatrixClient) UserID() string {
	return c.Session().UserID
}

// Login authenticates with a password and installs the new session.
func (c *MatrixClient) Login(ctx context.Context, user, password string) (MatrixSession, error) {
	req := map[string]any{
		"type":                        "m.login.password",
		"identifier":                  map[string]string{"type": "m.id.user", "user": user},
		"password":                    password,
		"initial_device_display_name": "hourwatch",
	}
	var s MatrixSession
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, req, &s, false); err != nil {
		return MatrixSession{}, fmt.Errorf("matrix login: %w", err)
	}
	c.SetSession(s)
	c.logger.Info("logged in to matrix", "user_id", s.UserID, "device_id", s.DeviceID)
	return s, nil
}

// WhoAmI checks the access token and returns the user it belongs to.
func (c *MatrixClient) WhoAmI(ctx context.Context) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &resp, true); err != nil {
		return "", err
	}
	return resp.UserID, nil
}

// Connect reuses the session saved at sessionPath when its token is still
// valid and logs in otherwise, saving the new session.
func (c *MatrixClient) Connect(ctx context.Context, sessionPath, user, password string) error {
	if saved, err := loadMatrixSession(sessionPath); err == nil && saved.AccessToken != "" {
		c.SetSession(saved)
		_, werr := c.WhoAmI(ctx)
		if werr == nil {
			c.logger.Info("reusing matrix session", "user_id", saved.UserID, "device_id", saved.DeviceID)
			return nil
		}
		c.logger.Warn("saved matrix session rejected, logging in again", "err", werr)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("read matrix session", "path", sessionPath, "err", err)
	}

	s, err := c.Login(ctx, user, password)
	if err != nil {
		return err
	}
	if sessionPath == "" {
		return nil
	}
	if err := saveMatrixSession(sessionPath, s); err != nil {
		c.logger.Warn("save matrix session", "path", sessionPath, "err", err)
	}
	return nil
}

// JoinRoom joins a room by ID or alias and returns the room ID.
func (c *MatrixClient) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	var resp struct {
		RoomID string `json:"room_id"`
	}
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	if err := c.do(ctx, http.MethodPost, path, nil, map[string]any{}, &resp, true); err != nil {
		return "", fmt.Errorf("join %s: %w", roomIDOrAlias, err)
	}
	return resp.RoomID, nil
}

// SendText posts an m.text message and returns the event ID.
func (c *MatrixClient) SendText(ctx context.Context, roomID, text string) (string, error) {
	content := map[string]string{"msgtype": "m.text", "body": text}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), url.PathEscape(c.nextTransactionID()))
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, nil, content, &resp, true); err != nil {
		return "", fmt.Errorf("send to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

// SyncResponse holds the parts of a /sync response the inbox reads.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []MatrixEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
	} `json:"rooms"`
}

// MatrixEvent is a timeline event.
type MatrixEvent struct {
	Type           string          `json:"type"`
	EventID        string          `json:"event_id"`
	Sender         string          `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// Sync long-polls for events after since. An empty since requests the
// current position with at most one event per room.
func (c *MatrixClient) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		q.Set("since", since)
	} else {
		q.Set("filter", `{"room":{"timeline":{"limit":1}}}`)
	}
	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", q, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return &resp, nil
}

func (c *MatrixClient) nextTransactionID() string {
	return fmt.Sprintf("hourwatch-%d-%d", time.Now().UnixMilli(), c.txnCounter.Add(1))
}

func (c *MatrixClient) do(ctx context.Context, method, path string, query url.Values, body, out any, auth bool) error {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.Session().AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMatrixResponse))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var merr MatrixError
		if jsonErr := json.Unmarshal(data, &merr); jsonErr != nil || merr.Code == "" {
			return fmt.Errorf("unexpected %d response from %s %s: %s", resp.StatusCode, method, path, string(data))
		}
		merr.StatusCode = resp.StatusCode
		return &merr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func loadMatrixSession(path string) (MatrixSession, error) {
	var s MatrixSession
	if path == "" {
		return s, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode session: %w", err)
	}
	return s, nil
}

func saveMatrixSession(path string, s MatrixSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// MatrixNotifier posts reports into one room.
type MatrixNotifier struct {
	client *MatrixClient
	roomID string
}

func NewMatrixNotifier(client *MatrixClient, roomID string) *MatrixNotifier {
	return &MatrixNotifier{client: client, roomID: roomID}
}

func (m *MatrixNotifier) Name() string { return "matrix" }

func (m *MatrixNotifier) Send(ctx context.Context, title, body string) error {
	_, err := m.client.SendText(ctx, m.roomID, title+"\n\n"+body)
	return err
}

// MatrixReplier posts confirmations into the room replies arrive in,
// addressed to the sender.
type MatrixReplier struct {
	client *MatrixClient
	roomID string
}

func NewMatrixReplier(client *MatrixClient, roomID string) *MatrixReplier {
	return &MatrixReplier{client: client, roomID: roomID}
}

func (m *MatrixReplier) Reply(ctx context.Context, msg core.InboundMessage, title, body string) error {
	text := title + "\n\n" + body
	if msg.Sender != "" {
		text = msg.Sender + ": " + text
	}
	_, err := m.client.SendText(ctx, m.roomID, text)
	return err
}

// MatrixInbox turns text messages posted in the report room into inbound
// messages. Messages stay pending until acked, so a failed pass sees them
// again.
type MatrixInbox struct {
	client  *MatrixClient
	roomID  string
	timeout time.Duration

	mu      sync.Mutex
	since   string
	pending []core.InboundMessage
}

// NewMatrixInbox creates an inbox for roomID. timeout bounds each sync
// long-poll.
func NewMatrixInbox(client *MatrixClient, roomID string, timeout time.Duration) *MatrixInbox {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MatrixInbox{client: client, roomID: roomID, timeout: timeout}
}

// Fetch waits for new room messages. The first call only records the sync
// position so earlier history is not processed.
func (m *MatrixInbox) Fetch(ctx context.Context) ([]core.InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.since == "" {
		resp, err := m.client.Sync(ctx, "", 0)
		if err != nil {
			return nil, err
		}
		m.since = resp.NextBatch
		return nil, nil
	}

	resp, err := m.client.Sync(ctx, m.since, m.timeout)
	if err != nil {
		return nil, err
	}
	m.since = resp.NextBatch

	self := m.client.UserID()
	if room, ok := resp.Rooms.Join[m.roomID]; ok {
		for _, ev := range room.Timeline.Events {
			if ev.Type != "m.room.message" || ev.Sender == self {
				continue
			}
			var content struct {
				MsgType string `json:"msgtype"`
				Body    string `json:"body"`
			}
			if err := json.Unmarshal(ev.Content, &content); err != nil || content.MsgType != "m.text" {
				continue
			}
			m.pending = append(m.pending, core.InboundMessage{
				ID:         ev.EventID,
				Sender:     ev.Sender,
				Body:       content.Body,
				ReceivedAt: time.UnixMilli(ev.OriginServerTS),
			})
		}
	}
	return append([]core.InboundMessage(nil), m.pending...), nil
}

// Ack drops msg from the pending set.
func (m *MatrixInbox) Ack(_ context.Context, msg core.InboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.pending {
		if p.ID == msg.ID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return nil
		}
	}
	return nil
}
