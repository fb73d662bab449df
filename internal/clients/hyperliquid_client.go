package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go-autopilot/internal/config"

	"github.com/gorilla/websocket"
)

// AssetMeta is one perpetual's trading metadata.
type AssetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
}

// BookTop is the best bid/ask of one book.
type BookTop struct {
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// Position is one open perpetual position.
type Position struct {
	Coin     string
	Szi      float64 // signed size, negative = short
	EntryPx  float64
	Leverage int
}

// OrderStatus is one order outcome inside an exchange response.
type OrderStatus struct {
	FilledSz string // total filled size, "" when nothing filled
	AvgPx    string
	Resting  bool
	Error    string
}

// HyperliquidClient talks to the Hyperliquid REST API and keeps a live book
// feed over websocket for the symbols it has been asked about. Book reads
// prefer the feed; a stale or missing entry falls back to REST.
type HyperliquidClient struct {
	apiURL     string
	wsURL      string
	httpClient *http.Client

	mu         sync.RWMutex
	bookTops   map[string]BookTop
	subscribed map[string]bool
	wsConn     *websocket.Conn
	wsMu       sync.Mutex
}

const bookFeedMaxAge = 3 * time.Second

// NewHyperliquidClient creates the exchange client. The websocket feed is
// started lazily on first book subscription.
func NewHyperliquidClient(cfg *config.HyperliquidConfig) *HyperliquidClient {
	return &HyperliquidClient{
		apiURL: cfg.APIURL,
		wsURL:  cfg.WSURL,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		bookTops:   make(map[string]BookTop),
		subscribed: make(map[string]bool),
	}
}

func (c *HyperliquidClient) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("exchange error (status %d): %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode exchange response: %w", err)
	}
	return nil
}

// GetMeta fetches the perpetuals universe.
func (c *HyperliquidClient) GetMeta(ctx context.Context) ([]AssetMeta, error) {
	var raw struct {
		Universe []AssetMeta `json:"universe"`
	}
	if err := c.postJSON(ctx, "/info", map[string]any{"type": "meta"}, &raw); err != nil {
		return nil, err
	}
	if len(raw.Universe) == 0 {
		return nil, fmt.Errorf("exchange returned empty universe")
	}
	return raw.Universe, nil
}

// GetBookTop returns the best bid and ask for a coin, preferring the live
// websocket feed over a REST round trip.
func (c *HyperliquidClient) GetBookTop(ctx context.Context, coin string) (bid, ask float64, err error) {
	c.mu.RLock()
	top, ok := c.bookTops[coin]
	c.mu.RUnlock()
	if ok && time.Since(top.UpdatedAt) < bookFeedMaxAge {
		return top.Bid, top.Ask, nil
	}

	c.ensureBookFeed(coin)
	return c.fetchBookTop(ctx, coin)
}

func (c *HyperliquidClient) fetchBookTop(ctx context.Context, coin string) (bid, ask float64, err error) {
	var raw struct {
		Levels [][]struct {
			Px string `json:"px"`
			Sz string `json:"sz"`
		} `json:"levels"`
	}
	if err := c.postJSON(ctx, "/info", map[string]any{"type": "l2Book", "coin": coin}, &raw); err != nil {
		return 0, 0, err
	}
	if len(raw.Levels) < 2 || len(raw.Levels[0]) == 0 || len(raw.Levels[1]) == 0 {
		return 0, 0, fmt.Errorf("empty book for %s", coin)
	}
	bid, err = strconv.ParseFloat(raw.Levels[0][0].Px, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid bid price for %s: %w", coin, err)
	}
	ask, err = strconv.ParseFloat(raw.Levels[1][0].Px, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid ask price for %s: %w", coin, err)
	}

	c.mu.Lock()
	c.bookTops[coin] = BookTop{Bid: bid, Ask: ask, UpdatedAt: time.Now()}
	c.mu.Unlock()
	return bid, ask, nil
}

// ensureBookFeed subscribes the websocket feed to a coin. Failures are
// non-fatal: REST remains the source of truth.
func (c *HyperliquidClient) ensureBookFeed(coin string) {
	if c.wsURL == "" {
		return
	}

	c.mu.Lock()
	if c.subscribed[coin] {
		c.mu.Unlock()
		return
	}
	c.subscribed[coin] = true
	c.mu.Unlock()

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.wsConn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(c.wsURL, nil)
		if err != nil {
			log.Printf("[Hyperliquid] Book feed dial failed, staying on REST: %v", err)
			return
		}
		c.wsConn = conn
		go c.readBookFeed(conn)
	}

	sub := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]any{"type": "l2Book", "coin": coin},
	}
	if err := c.wsConn.WriteJSON(sub); err != nil {
		log.Printf("[Hyperliquid] Book feed subscribe failed for %s: %v", coin, err)
	}
}

func (c *HyperliquidClient) readBookFeed(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.wsMu.Lock()
		if c.wsConn == conn {
			c.wsConn = nil
		}
		c.wsMu.Unlock()
		c.mu.Lock()
		c.subscribed = make(map[string]bool)
		c.mu.Unlock()
	}()

	for {
		var msg struct {
			Channel string `json:"channel"`
			Data    struct {
				Coin   string `json:"coin"`
				Levels [][]struct {
					Px string `json:"px"`
				} `json:"levels"`
			} `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("[Hyperliquid] Book feed closed: %v", err)
			return
		}
		if msg.Channel != "l2Book" || len(msg.Data.Levels) < 2 ||
			len(msg.Data.Levels[0]) == 0 || len(msg.Data.Levels[1]) == 0 {
			continue
		}
		bid, err1 := strconv.ParseFloat(msg.Data.Levels[0][0].Px, 64)
		ask, err2 := strconv.ParseFloat(msg.Data.Levels[1][0].Px, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		c.mu.Lock()
		c.bookTops[msg.Data.Coin] = BookTop{Bid: bid, Ask: ask, UpdatedAt: time.Now()}
		c.mu.Unlock()
	}
}

// GetPosition returns the user's open position for a coin, or nil when flat.
func (c *HyperliquidClient) GetPosition(ctx context.Context, userAddress, coin string) (*Position, error) {
	var raw struct {
		AssetPositions []struct {
			Position struct {
				Coin     string `json:"coin"`
				Szi      string `json:"szi"`
				EntryPx  string `json:"entryPx"`
				Leverage struct {
					Value int `json:"value"`
				} `json:"leverage"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	if err := c.postJSON(ctx, "/info", map[string]any{
		"type": "clearinghouseState",
		"user": userAddress,
	}, &raw); err != nil {
		return nil, err
	}

	for _, ap := range raw.AssetPositions {
		if ap.Position.Coin != coin {
			continue
		}
		szi, _ := strconv.ParseFloat(ap.Position.Szi, 64)
		if szi == 0 {
			return nil, nil
		}
		entryPx, _ := strconv.ParseFloat(ap.Position.EntryPx, 64)
		return &Position{
			Coin:     coin,
			Szi:      szi,
			EntryPx:  entryPx,
			Leverage: ap.Position.Leverage.Value,
		}, nil
	}
	return nil, nil
}

// PostExchange submits a signed exchange action (order, leverage update).
// The action and nonce must be exactly what the signature was produced over.
func (c *HyperliquidClient) PostExchange(ctx context.Context, action any, nonce int64, signature string) ([]OrderStatus, error) {
	var raw struct {
		Status   string `json:"status"`
		Response struct {
			Type string `json:"type"`
			Data struct {
				Statuses []json.RawMessage `json:"statuses"`
			} `json:"data"`
		} `json:"response"`
	}
	err := c.postJSON(ctx, "/exchange", map[string]any{
		"action":    action,
		"nonce":     nonce,
		"signature": signature,
	}, &raw)
	if err != nil {
		return nil, err
	}
	if raw.Status != "ok" {
		return nil, fmt.Errorf("exchange rejected action: %s", raw.Status)
	}

	statuses := make([]OrderStatus, 0, len(raw.Response.Data.Statuses))
	for _, rawStatus := range raw.Response.Data.Statuses {
		var decoded struct {
			Filled *struct {
				TotalSz string `json:"totalSz"`
				AvgPx   string `json:"avgPx"`
			} `json:"filled"`
			Resting *struct {
				Oid int64 `json:"oid"`
			} `json:"resting"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(rawStatus, &decoded); err != nil {
			// Plain "success" strings appear for non-order actions.
			statuses = append(statuses, OrderStatus{})
			continue
		}
		status := OrderStatus{Error: decoded.Error}
		if decoded.Filled != nil {
			status.FilledSz = decoded.Filled.TotalSz
			status.AvgPx = decoded.Filled.AvgPx
		}
		if decoded.Resting != nil {
			status.Resting = true
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Close shuts the websocket feed down.
func (c *HyperliquidClient) Close() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.wsConn != nil {
		c.wsConn.Close()
		c.wsConn = nil
	}
}
