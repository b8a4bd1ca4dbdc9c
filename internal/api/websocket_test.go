package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synapse-lab/backend/internal/models"
	"github.com/synapse-lab/backend/internal/testutil"
	"github.com/synapse-lab/backend/internal/upload"
)

// dialUploads connects to the upload feed with a fresh session and returns
// the connection and the session user id.
func dialUploads(t *testing.T, tracker UploadTracker) (*websocket.Conn, string) {
	t.Helper()
	ids := testutil.NewMockIdentity()
	token := ids.MustSession("ada@lab.org")
	sc, err := ids.Current(context.Background(), token)
	require.NoError(t, err)

	e := echo.New()
	e.GET("/api/ws/uploads", NewWebSocketHandler(tracker, zap.NewNop()).HandleWebSocket, RequireSession(ids))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/uploads?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, sc.User.ID
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) WSMessage {
	t.Helper()
	for {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
}

func newTestTracker() (*upload.Tracker, *testutil.MockStorage) {
	store := testutil.NewMockStorage()
	return upload.NewTracker(upload.NewStoreDestination(store), upload.Options{
		ChunkSize:      4,
		MaxConcurrent:  2,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	}, zap.NewNop()), store
}

func textSource(name, content string) upload.Source {
	return upload.Source{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func TestWebSocket_ConnectAndSnapshot(t *testing.T) {
	tracker, _ := newTestTracker()
	conn, owner := dialUploads(t, tracker)
	assert.Equal(t, MsgTypeConnected, readMessage(t, conn).Type)
	readUntil(t, conn, MsgTypeSnapshot)

	for _, sub := range []struct{ owner, name string }{
		{owner, "a.csv"},
		{"someone-else", "private.csv"},
	} {
		batch, err := tracker.Submit(context.Background(), sub.owner, "data-files", []upload.Source{textSource(sub.name, "1,2")}, nil)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			c, _ := tracker.Get(batch.Candidates[0].ID)
			return c.Status.Terminal()
		}, 5*time.Second, 5*time.Millisecond)
	}

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeUploadList}))
	snap := readUntil(t, conn, MsgTypeSnapshot)
	var list []models.UploadCandidate
	require.NoError(t, json.Unmarshal(snap.Payload, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a.csv", list[0].Name)
}

func TestWebSocket_Ping(t *testing.T) {
	tracker, _ := newTestTracker()
	conn, _ := dialUploads(t, tracker)
	readUntil(t, conn, MsgTypeSnapshot)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypePing}))
	assert.Equal(t, MsgTypePong, readUntil(t, conn, MsgTypePong).Type)
}

func TestWebSocket_Actions(t *testing.T) {
	tracker, _ := newTestTracker()
	conn, _ := dialUploads(t, tracker)
	readUntil(t, conn, MsgTypeSnapshot)

	foreign, err := tracker.Submit(context.Background(), "someone-else", "data-files", []upload.Source{textSource("b.csv", "1")}, nil)
	require.NoError(t, err)
	foreignID := foreign.Candidates[0].ID

	tests := []struct {
		name     string
		msg      WSMessage
		wantCode string
	}{
		{"unknown type", WSMessage{Type: "upload:retry"}, "INVALID_TYPE"},
		{"missing payload", WSMessage{Type: MsgTypeUploadCancel}, "INVALID_PAYLOAD"},
		{"cancel unknown", WSMessage{Type: MsgTypeUploadCancel, Payload: mustJSON(UploadActionPayload{ID: "nope"})}, "NOT_FOUND"},
		{"remove unknown", WSMessage{Type: MsgTypeUploadRemove, Payload: mustJSON(UploadActionPayload{ID: "nope"})}, "NOT_FOUND"},
		{"cancel other user's upload", WSMessage{Type: MsgTypeUploadCancel, Payload: mustJSON(UploadActionPayload{ID: foreignID})}, "NOT_FOUND"},
		{"remove other user's upload", WSMessage{Type: MsgTypeUploadRemove, Payload: mustJSON(UploadActionPayload{ID: foreignID})}, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteJSON(tt.msg))
			msg := readUntil(t, conn, MsgTypeError)

			var resp WSErrorResponse
			require.NoError(t, json.Unmarshal(msg.Payload, &resp))
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}

	cand, ok := tracker.Get(foreignID)
	require.True(t, ok)
	assert.NotEqual(t, "upload cancelled", cand.Error)
}

func TestWebSocket_EventsAndRemove(t *testing.T) {
	tracker, store := newTestTracker()
	conn, owner := dialUploads(t, tracker)
	readUntil(t, conn, MsgTypeSnapshot)

	_, err := tracker.Submit(context.Background(), owner, "plots", []upload.Source{textSource("cv.png", "png-bytes")}, nil)
	require.NoError(t, err)

	var done upload.Event
	for done.Candidate.Status != models.UploadStatusSuccess {
		msg := readUntil(t, conn, MsgTypeEvent)
		require.NoError(t, json.Unmarshal(msg.Payload, &done))
	}
	assert.Equal(t, "cv.png", done.Candidate.Name)
	assert.Equal(t, 1, store.GetFileCount())

	require.NoError(t, conn.WriteJSON(WSMessage{
		Type:    MsgTypeUploadRemove,
		Payload: mustJSON(UploadActionPayload{ID: done.Candidate.ID}),
	}))
	ack := readUntil(t, conn, MsgTypeAck)
	assert.Equal(t, done.Candidate.ID, ack.ID)
	assert.Empty(t, tracker.List())
}
