package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Publisher is the producer side of the broadcaster protocol.
type Publisher struct {
	url     string
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to the broadcaster at url and registers as producer.
//
// Example:
//
//	pub, err := dashboard.Dial(ctx, "ws://localhost:8765/ws", logger)
//	if err != nil {
//	    return err
//	}
//	defer pub.Close()
//	err = pub.Publish(ctx, dashboard.NewChange("talos", "ocd", "ocd_article"))
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{url: url, timeout: 5 * time.Second, logger: logger}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", p.url, err)
	}
	// The broadcaster never writes to its producer; this keeps control
	// frames flowing.
	conn.CloseRead(context.Background())

	if err := write(dialCtx, conn, Envelope{Who: WhoServer, Payload: json.RawMessage(`"` + PayloadInit + `"`)}); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return fmt.Errorf("producer handshake: %w", err)
	}
	p.conn = conn
	return nil
}

// Publish sends payload to every subscriber. After a failed write the
// connection is re-established once and the write retried.
func (p *Publisher) Publish(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	env := Envelope{Who: WhoServer, Payload: data}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		err = write(wctx, p.conn, env)
		cancel()
		if err == nil {
			return nil
		}
		p.logger.Warn("publish failed, redialing", zap.Error(err))
		p.conn.Close(websocket.StatusGoingAway, "")
		p.conn = nil
	}

	if err := p.connect(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return write(wctx, p.conn, env)
}

// Close closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(websocket.StatusNormalClosure, "")
	p.conn = nil
	return err
}

func write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
