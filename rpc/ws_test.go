package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/jayteemoney/stacksvestor/indexer"
	"github.com/jayteemoney/stacksvestor/native/vesting"
)

func newIndexedFixture(t *testing.T) (*fixture, *indexer.Store) {
	t.Helper()
	db, err := indexer.Open(indexer.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store, err := indexer.New(db, nil)
	require.NoError(t, err)
	return newFixture(t, Config{}, store), store
}

func readEntry(t *testing.T, ctx context.Context, conn *websocket.Conn) indexer.Entry {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var entry indexer.Entry
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func TestEventStreamReplaysBacklogThenLive(t *testing.T) {
	f, _ := newIndexedFixture(t)
	admin := bearer(t, adminAddr)
	_, resp := f.call(t, admin, "vesting_addBeneficiary", addBeneficiaryParams{
		Recipient: addr(aliceAddr), Amount: "42", UnlockHeight: 120,
	})
	require.Nil(t, resp.Error)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?beneficiary=" + addr(aliceAddr)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	backlog := readEntry(t, ctx, conn)
	require.Equal(t, vesting.EventTypeBeneficiaryAdded, backlog.Type)
	require.Equal(t, "42", backlog.Attributes["amount"])

	// bob's grant is filtered out; alice's revoke arrives live
	_, resp = f.call(t, admin, "vesting_addBeneficiary", addBeneficiaryParams{
		Recipient: addr(bobAddr), Amount: "7", UnlockHeight: 120,
	})
	require.Nil(t, resp.Error)
	_, resp = f.call(t, admin, "vesting_revoke", recipientParams{Recipient: addr(aliceAddr)})
	require.Nil(t, resp.Error)

	live := readEntry(t, ctx, conn)
	require.Equal(t, vesting.EventTypeRevoked, live.Type)
	require.Greater(t, live.ID, backlog.ID)
	require.Equal(t, addr(aliceAddr), live.Beneficiary)
}

func TestEventStreamResumesFromCursor(t *testing.T) {
	f, store := newIndexedFixture(t)
	admin := bearer(t, adminAddr)
	for _, who := range [][20]byte{aliceAddr, bobAddr} {
		_, resp := f.call(t, admin, "vesting_addBeneficiary", addBeneficiaryParams{
			Recipient: addr(who), Amount: "5", UnlockHeight: 120,
		})
		require.Nil(t, resp.Error)
	}
	all, err := store.List(context.Background(), indexer.Filter{Type: vesting.EventTypeBeneficiaryAdded})
	require.NoError(t, err)
	require.Len(t, all, 2)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := fmt.Sprintf("ws%s/ws/events?type=%s&cursor=%d", strings.TrimPrefix(srv.URL, "http"), vesting.EventTypeBeneficiaryAdded, all[0].ID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	next := readEntry(t, ctx, conn)
	require.Equal(t, all[1].ID, next.ID)
	require.Equal(t, addr(bobAddr), next.Beneficiary)
}

func TestEventStreamRejectsBadQuery(t *testing.T) {
	f, _ := newIndexedFixture(t)
	for _, query := range []string{"cursor=-1", "beneficiary=cosmos1xyz"} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/events?"+query, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}

	disabled := newFixture(t, Config{}, nil)
	rec := httptest.NewRecorder()
	disabled.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
