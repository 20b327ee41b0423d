package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"quantcore/internal/market"
)

// Binance talks to the Binance spot API. Requests are paced with a token
// bucket well under the published weight limits; transient venue failures
// (timeouts, 429/418, 5xx) are wrapped so the runner can retry them.
type Binance struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsScheme  string
	wsHost    string
	testnet   bool

	httpClient *http.Client
	limiter    *rate.Limiter

	fills     chan Fill
	done      chan struct{}
	closeOnce sync.Once
}

func init() {
	Register("binance", func(settings map[string]string) (Adapter, error) {
		if settings["api_key"] == "" || settings["api_secret"] == "" {
			return nil, fmt.Errorf("binance: api_key and api_secret are required")
		}
		return NewBinance(settings["api_key"], settings["api_secret"], settings["testnet"] == "true"), nil
	})
}

// NewBinance builds a spot adapter; testnet toggles the hosts.
func NewBinance(apiKey, apiSecret string, testnet bool) *Binance {
	base := "https://api.binance.com"
	wsHost := "stream.binance.com:9443"
	if testnet {
		base = "https://testnet.binance.vision"
		wsHost = "testnet.binance.vision"
	}
	return &Binance{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    base,
		wsScheme:   "wss",
		wsHost:     wsHost,
		testnet:    testnet,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		fills:      make(chan Fill, 256),
		done:       make(chan struct{}),
	}
}

func (b *Binance) Name() string { return "binance" }

// Authenticate verifies credentials against the account endpoint and starts
// the user data stream that delivers fills.
func (b *Binance) Authenticate(ctx context.Context) error {
	if _, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}); err != nil {
		return fmt.Errorf("binance auth: %w", err)
	}
	go b.runUserStream(ctx)
	return nil
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("newClientOrderId", req.ID)
	params.Set("quantity", strconv.FormatFloat(req.Qty, 'f', -1, 64))
	switch req.Type {
	case TypeLimit:
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	default:
		params.Set("type", "MARKET")
	}

	body, err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return OrderAck{}, err
	}

	var resp struct {
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		TransactTime  int64  `json:"transactTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderAck{}, fmt.Errorf("binance order response: %w", err)
	}
	return OrderAck{
		OrderID:     resp.ClientOrderID,
		Status:      mapBinanceStatus(resp.Status),
		SubmittedAt: time.UnixMilli(resp.TransactTime),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("origClientOrderId", orderID)
	_, err := b.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Code == -2011 {
			// Unknown order: already terminal at the venue.
			return ErrTerminal
		}
		return err
	}
	return nil
}

func (b *Binance) OpenOrders(ctx context.Context) ([]OrderState, error) {
	body, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("binance open orders: %w", err)
	}

	out := make([]OrderState, 0, len(raw))
	for _, o := range raw {
		out = append(out, OrderState{
			OrderID:   o.ClientOrderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Type:      o.Type,
			Price:     parseFloat(o.Price),
			Qty:       parseFloat(o.OrigQty),
			FilledQty: parseFloat(o.ExecutedQty),
			Status:    mapBinanceStatus(o.Status),
		})
	}
	return out, nil
}

func (b *Binance) Positions(ctx context.Context) ([]Position, error) {
	body, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance account: %w", err)
	}

	var out []Position
	for _, bal := range resp.Balances {
		qty := parseFloat(bal.Free) + parseFloat(bal.Locked)
		if qty == 0 {
			continue
		}
		out = append(out, Position{Symbol: bal.Asset, Qty: qty})
	}
	return out, nil
}

func (b *Binance) Quote(ctx context.Context, symbol string) (Quote, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", b.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Quote{}, err
	}
	res, err := b.httpClient.Do(req)
	if err != nil {
		return Quote{}, Transient(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Quote{}, classifyStatus(res.StatusCode, nil)
	}
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return Quote{}, err
	}
	return Quote{Symbol: resp.Symbol, Price: parseFloat(resp.Price), Ts: time.Now()}, nil
}

// StreamMarketData subscribes to trade streams for the symbols. The stream
// reconnects with backoff and resubscribes after drops; ticks older than the
// last delivered trade per symbol are discarded so reconnects never replay.
func (b *Binance) StreamMarketData(ctx context.Context, symbols []string) (<-chan market.Tick, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("binance stream: no symbols")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	wsURL := (&url.URL{
		Scheme:   b.wsScheme,
		Host:     b.wsHost,
		Path:     "/stream",
		RawQuery: "streams=" + strings.Join(streams, "/"),
	}).String()

	out := make(chan market.Tick, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		defer close(out)
		lastTradeTime := make(map[string]int64)
		backoff := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			default:
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				log.Printf("binance ws dial error: %v (retrying in %v)", err, backoff)
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				case <-done:
					return
				}
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			log.Printf("binance ws connected: %d symbols", len(symbols))

			b.readTrades(ctx, conn, done, out, lastTradeTime)
			conn.Close()
		}
	}()

	return out, stop, nil
}

func (b *Binance) readTrades(ctx context.Context, conn *websocket.Conn, done chan struct{}, out chan<- market.Tick, lastTradeTime map[string]int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			log.Printf("binance ws read error: %v", err)
			return
		}

		var raw struct {
			Data struct {
				Symbol    string `json:"s"`
				Price     string `json:"p"`
				TradeTime int64  `json:"T"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &raw); err != nil {
			log.Printf("binance ws parse error: %v", err)
			continue
		}
		if raw.Data.Symbol == "" {
			continue
		}
		if raw.Data.TradeTime <= lastTradeTime[raw.Data.Symbol] {
			continue
		}
		lastTradeTime[raw.Data.Symbol] = raw.Data.TradeTime

		tick := market.Tick{
			Symbol: raw.Data.Symbol,
			Price:  parseFloat(raw.Data.Price),
			Ts:     time.UnixMilli(raw.Data.TradeTime),
		}
		select {
		case out <- tick:
		default:
			// Slow consumer: drop rather than stall the read loop.
		}
	}
}

func (b *Binance) Fills() <-chan Fill { return b.fills }

func (b *Binance) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}

// runUserStream keeps the user data stream alive for execution reports,
// reconnecting with backoff after drops. Every connection gets a fresh
// listen key so fills keep flowing after a blip instead of silently dying.
func (b *Binance) runUserStream(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		listenKey, err := b.createListenKey(ctx)
		if err != nil {
			log.Printf("binance user stream: create listen key error: %v (retrying in %v)", err, backoff)
			if !b.wait(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		wsURL := (&url.URL{Scheme: b.wsScheme, Host: b.wsHost, Path: "/ws/" + listenKey}).String()
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			log.Printf("binance user stream: ws dial error: %v (retrying in %v)", err, backoff)
			if !b.wait(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		log.Printf("binance user stream connected (testnet=%v)", b.testnet)

		stop := make(chan struct{})
		go b.keepAliveLoop(ctx, listenKey, stop)
		b.readUserStream(ctx, conn)
		close(stop)
		conn.Close()
	}
}

// wait sleeps for d; false means the adapter is shutting down.
func (b *Binance) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	}
}

func (b *Binance) keepAliveLoop(ctx context.Context, listenKey string, stop chan struct{}) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := b.keepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("binance user stream keepalive error: %v", err)
			}
		}
	}
}

func (b *Binance) readUserStream(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("binance user stream read error: %v", err)
			return
		}
		b.handleUserMessage(msg)
	}
}

func (b *Binance) handleUserMessage(msg []byte) {
	var rep struct {
		EventType     string `json:"e"`
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		ExecutionType string `json:"x"`
		ClientOrderID string `json:"c"`
		LastQty       string `json:"l"`
		LastPrice     string `json:"L"`
		Commission    string `json:"n"`
		TradeTime     int64  `json:"T"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		log.Printf("binance user stream parse error: %v", err)
		return
	}
	if rep.EventType != "executionReport" || rep.ExecutionType != "TRADE" {
		return
	}

	fill := Fill{
		OrderID: rep.ClientOrderID,
		Symbol:  rep.Symbol,
		Side:    rep.Side,
		Qty:     parseFloat(rep.LastQty),
		Price:   parseFloat(rep.LastPrice),
		Fee:     parseFloat(rep.Commission),
		Final:   strings.ToUpper(rep.Status) == "FILLED",
		Ts:      time.UnixMilli(rep.TradeTime),
	}
	select {
	case b.fills <- fill:
	default:
		log.Printf("binance: fill channel full, dropping fill for order %s", rep.ClientOrderID)
	}
}

func (b *Binance) createListenKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v3/userDataStream", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	res, err := b.httpClient.Do(req)
	if err != nil {
		return "", Transient(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("binance listen key status %d", res.StatusCode)
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (b *Binance) keepAliveListenKey(ctx context.Context, listenKey string) error {
	u := fmt.Sprintf("%s/api/v3/userDataStream?listenKey=%s", b.baseURL, listenKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	res, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

// signedRequest performs an HMAC-signed request against a private endpoint.
func (b *Binance) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	res, err := b.httpClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, Transient(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, classifyStatus(res.StatusCode, body)
	}
	return body, nil
}

// apiError is a Binance error payload.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Message)
}

// classifyStatus maps HTTP failures to retryable or permanent errors.
// 429/418 mean rate limiting or a pending ban; 5xx is venue trouble. Both
// are transient. 4xx carries a Binance error payload and is permanent.
func classifyStatus(status int, body []byte) error {
	var ae apiError
	if len(body) > 0 && json.Unmarshal(body, &ae) == nil && ae.Code != 0 {
		if status == http.StatusTooManyRequests || status == 418 || status >= 500 {
			return Transient(&ae)
		}
		return &ae
	}
	err := fmt.Errorf("binance status %d", status)
	if status == http.StatusTooManyRequests || status == 418 || status >= 500 {
		return Transient(err)
	}
	return err
}

func mapBinanceStatus(status string) string {
	switch strings.ToUpper(status) {
	case "NEW":
		return StatusSubmitted
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED", "EXPIRED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	default:
		return status
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
