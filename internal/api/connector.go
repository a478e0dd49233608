package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"consensus-trader/internal/model"
	"consensus-trader/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const authTimeout = 10 * time.Second

// MessageHandler 在读循环中同步调用，实现方不能阻塞
type MessageHandler func(msgs []model.StreamMessage)

// StateHandler 连接状态变化；reconnected 表示这是断线后的重新订阅
type StateHandler func(state model.ConnectionState, reconnected bool)

// ConnectorConfig 单个端点连接参数
type ConnectorConfig struct {
	Name    string
	URL     string
	Creds   Credentials
	Dialect Dialect
	Backoff service.Backoff
}

// Connector 单个端点的多路复用 WebSocket 连接，自带重连监督
type Connector struct {
	cfg     ConnectorConfig
	dialer  *websocket.Dialer
	logger  *zap.Logger
	handler MessageHandler
	onState StateHandler

	mu      sync.Mutex // 保护 wsConn 写入和订阅集合
	wsConn  *websocket.Conn
	symbols map[string]struct{}
}

// NewConnector 创建连接器，Run 之前调用 Subscribe 登记初始订阅
func NewConnector(cfg ConnectorConfig, handler MessageHandler, onState StateHandler) *Connector {
	if onState == nil {
		onState = func(model.ConnectionState, bool) {}
	}
	return &Connector{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		logger:  service.Named("connector").With(zap.String("endpoint", cfg.Name)),
		handler: handler,
		onState: onState,
		symbols: make(map[string]struct{}),
	}
}

// Name 端点名称
func (c *Connector) Name() string { return c.cfg.Name }

// Subscribe 加入期望订阅集合；已连接时立即发送订阅帧
func (c *Connector) Subscribe(symbols ...string) error {
	c.mu.Lock()
	var fresh []string
	for _, s := range symbols {
		if _, ok := c.symbols[s]; ok {
			continue
		}
		c.symbols[s] = struct{}{}
		fresh = append(fresh, s)
	}
	c.mu.Unlock()

	if len(fresh) == 0 && len(symbols) > 0 {
		return nil
	}
	return c.send(c.cfg.Dialect.SubscribeFrame(fresh))
}

// Resubscribe 针对已登记的 symbol 重发订阅帧 (worker 连续校验失败时使用)
func (c *Connector) Resubscribe(symbols ...string) error {
	return c.send(c.cfg.Dialect.SubscribeFrame(symbols))
}

// Symbols 当前期望订阅集合，已排序
func (c *Connector) Symbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// send 未连接时静默跳过，重连后会整体重新订阅
func (c *Connector) send(frame interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsConn == nil {
		return nil
	}
	if err := c.wsConn.WriteJSON(frame); err != nil {
		return &service.NetworkError{Op: "ws write " + c.cfg.Name, Err: err}
	}
	return nil
}

// Run 监督循环：连接、认证、订阅、读取；断线后指数退避重连。
// 认证失败返回 AuthError 并停止；ctx 取消返回 nil。
func (c *Connector) Run(ctx context.Context) error {
	failures := 0
	sessions := 0
	for {
		if ctx.Err() != nil {
			c.onState(model.StateDisconnected, false)
			return nil
		}

		c.onState(model.StateConnecting, sessions > 0)
		err := c.session(ctx, sessions > 0)
		if ctx.Err() != nil {
			c.onState(model.StateDisconnected, false)
			return nil
		}
		var authErr *service.AuthError
		if errors.As(err, &authErr) {
			c.logger.Error("Stream authentication rejected", zap.Error(err))
			c.onState(model.StateDisconnected, false)
			return err
		}

		if err != nil && errors.Is(err, errSessionEstablished) {
			// 曾经成功建立会话，退避从头计算
			failures = 0
			sessions++
		}
		failures++
		wait := c.cfg.Backoff.Next(failures)
		c.logger.Warn("Stream disconnected, reconnecting", zap.Error(err), zap.Int("attempt", failures), zap.Duration("wait", wait))
		c.onState(model.StateDisconnected, false)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.onState(model.StateDisconnected, false)
			return nil
		case <-timer.C:
		}
	}
}

var errSessionEstablished = errors.New("session ended after subscribe")

// session 单次连接生命周期
func (c *Connector) session(ctx context.Context, reconnect bool) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return &service.NetworkError{Op: "ws dial " + c.cfg.Name, Err: err}
	}
	defer conn.Close()

	// ctx 取消时关闭连接以打断阻塞读
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.wsConn = conn
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.wsConn = nil
		c.mu.Unlock()
	}()

	sort.Strings(symbols)
	if err := c.send(c.cfg.Dialect.SubscribeFrame(symbols)); err != nil {
		return err
	}
	c.logger.Info("Stream subscribed", zap.Int("symbols", len(symbols)), zap.Bool("reconnect", reconnect))
	c.onState(model.StateSubscribed, reconnect)

	err = c.readLoop(conn)
	return fmt.Errorf("%w: %v", errSessionEstablished, err)
}

// authenticate 发送认证帧并等待结果
func (c *Connector) authenticate(conn *websocket.Conn) error {
	if err := conn.WriteJSON(c.cfg.Dialect.AuthFrame(c.cfg.Creds)); err != nil {
		return &service.NetworkError{Op: "ws auth write", Err: err}
	}
	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &service.NetworkError{Op: "ws auth read", Err: err}
		}
		msgs, ctrls, _ := c.cfg.Dialect.Decode(raw)
		for _, ctrl := range ctrls {
			if ctrl.IsAuthFailure() {
				return &service.AuthError{Op: "stream " + c.cfg.Name, Err: errors.New(ctrl.String())}
			}
			if ctrl.IsAuthOK() {
				if len(msgs) > 0 {
					c.handler(msgs)
				}
				return nil
			}
		}
	}
}

// readLoop 持续读取 WS 消息并交给 handler
func (c *Connector) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msgs, ctrls, err := c.cfg.Dialect.Decode(raw)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame", zap.Error(err))
		}
		for _, ctrl := range ctrls {
			if ctrl.Kind == "error" {
				c.logger.Error("Stream error frame", zap.String("ctrl", ctrl.String()))
			}
		}
		if len(msgs) > 0 {
			c.handler(msgs)
		}
	}
}
