package dhan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	appconfig "dhanoi/config"
	"dhanoi/logger"
	"dhanoi/models"
)

const subscribeRequestCode = 15

// Conn is the subset of *websocket.Conn used by the reader.
type Conn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens a feed connection.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, error)
}

type websocketDialer struct {
	dialer *websocket.Dialer
}

func newWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return websocketDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d websocketDialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, urlStr, requestHeader)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// FeedURL builds the authenticated feed endpoint. A host that already carries
// a ws:// or wss:// scheme is used as the base as-is.
func FeedURL(cfg appconfig.FeedConfig) string {
	base := cfg.Host
	if !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://") {
		base = "wss://" + base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep +
		"version=2" +
		"&token=" + url.QueryEscape(cfg.Token) +
		"&clientId=" + url.QueryEscape(cfg.ClientID) +
		"&authType=" + strconv.Itoa(cfg.AuthType)
}

type subscriptionInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      int64  `json:"SecurityId"`
}

// Subscription is the request that registers instruments on the feed.
type Subscription struct {
	RequestCode     int                      `json:"RequestCode"`
	InstrumentCount int                      `json:"InstrumentCount"`
	InstrumentList  []subscriptionInstrument `json:"InstrumentList"`
}

// NewSubscription builds the request for instruments that carry an id.
// Instruments without one are left out.
func NewSubscription(instruments []models.Instrument) Subscription {
	list := make([]subscriptionInstrument, 0, len(instruments))
	for _, inst := range instruments {
		if !inst.HasSecurityID() {
			continue
		}
		list = append(list, subscriptionInstrument{
			ExchangeSegment: inst.ExchangeSegment,
			SecurityID:      inst.ID(),
		})
	}
	return Subscription{
		RequestCode:     subscribeRequestCode,
		InstrumentCount: len(list),
		InstrumentList:  list,
	}
}

func (s Subscription) String() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// ReconnectDelay returns min(base*2^(attempt-1), maxDelay) for attempt >= 1.
func ReconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// waitForReconnect sleeps for delay and reports true when ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
	return cancel
}
