package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testBinance points an adapter at a local server over plain ws/http.
func testBinance(srv *httptest.Server) *Binance {
	b := NewBinance("key", "secret", false)
	b.baseURL = srv.URL
	b.wsScheme = "ws"
	b.wsHost = strings.TrimPrefix(srv.URL, "http://")
	return b
}

func TestUserStreamReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v3/userDataStream":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"listenKey":"lk-1"}`))
		case r.URL.Path == "/ws/lk-1":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			if conns.Add(1) == 1 {
				// First connection dies immediately; fills must survive it.
				conn.Close()
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte(
				`{"e":"executionReport","x":"TRADE","X":"FILLED","s":"BTCUSDT","S":"BUY","c":"ord-1","l":"1","L":"100","n":"0.1","T":1700000000000}`))
			<-hold
			conn.Close()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	// Unblock held handlers before srv.Close waits on them.
	defer close(hold)

	b := testBinance(srv)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.runUserStream(ctx)

	select {
	case fill := <-b.Fills():
		if fill.OrderID != "ord-1" || fill.Qty != 1 || fill.Price != 100 {
			t.Fatalf("unexpected fill %+v", fill)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fill after stream drop, user stream did not reconnect")
	}
	if got := conns.Load(); got < 2 {
		t.Fatalf("got %d connections, want at least 2", got)
	}
}

func TestUserStreamRetriesListenKeyFailure(t *testing.T) {
	var calls atomic.Int32
	upgrader := websocket.Upgrader{}
	hold := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v3/userDataStream":
			if calls.Add(1) == 1 {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"listenKey":"lk-2"}`))
		case r.URL.Path == "/ws/lk-2":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, []byte(
				`{"e":"executionReport","x":"TRADE","X":"FILLED","s":"ETHUSDT","S":"SELL","c":"ord-2","l":"2","L":"2000","n":"0","T":1700000000000}`))
			<-hold
			conn.Close()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	defer close(hold)

	b := testBinance(srv)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.runUserStream(ctx)

	select {
	case fill := <-b.Fills():
		if fill.OrderID != "ord-2" {
			t.Fatalf("unexpected fill %+v", fill)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fill, listen key failure was not retried")
	}
}

func TestCancelUnknownOrderIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/api/v3/order" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := testBinance(srv)
	err := b.CancelOrder(context.Background(), "gone-1")
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("cancel unknown order: got %v, want ErrTerminal", err)
	}
}

func TestClassifyStatusKeepsAPIErrorVisible(t *testing.T) {
	// A rate-limit payload is retryable but the venue error must still be
	// reachable for callers inspecting the code.
	err := classifyStatus(http.StatusTooManyRequests, []byte(`{"code":-1003,"msg":"Too many requests."}`))
	if !IsTransient(err) {
		t.Fatalf("429 not transient: %v", err)
	}
	var ae *apiError
	if !errors.As(err, &ae) || ae.Code != -1003 {
		t.Fatalf("api error not extractable from %v", err)
	}

	// A plain 400 rejection is permanent.
	err = classifyStatus(http.StatusBadRequest, []byte(`{"code":-1013,"msg":"Invalid quantity."}`))
	if IsTransient(err) {
		t.Fatalf("400 classified transient: %v", err)
	}
	if !errors.As(err, &ae) || ae.Code != -1013 {
		t.Fatalf("api error not extractable from %v", err)
	}
}
