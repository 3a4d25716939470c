package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	heartbeat         = 10 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// ErrConnectionClosed — соединение закрыто через Close.
var ErrConnectionClosed = errors.New("mq connection closed")

// Connection держит AMQP соединение процесса (engine, worker или api)
// и переподключается при разрыве.
//
// Публикации и объявление топологии идут через общий канал (WithChannel).
// Каждый consumer открывает свой канал (OpenChannel): prefetch и отмена
// потребления одной очереди не задевают другие.
type Connection struct {
	url    string
	name   string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	// reconnected закрывается после каждого переподключения и заменяется новым.
	reconnected chan struct{}

	closed   bool
	closedCh chan struct{}
}

// NewConnection подключается к RabbitMQ.
//
// name передаётся в свойстве connection_name и виден в management UI.
func NewConnection(url, name string, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		url:         url,
		name:        name,
		logger:      logger.With("component", "mq", "endpoint", endpoint(url)),
		reconnected: make(chan struct{}),
		closedCh:    make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, err
	}

	go c.watch()

	return c, nil
}

func (c *Connection) connect() error {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(c.name)

	conn, err := amqp.DialConfig(c.url, amqp.Config{
		Properties: props,
		Heartbeat:  heartbeat,
		Locale:     "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial amqp %s: %w", endpoint(c.url), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ", "connection_name", c.name)
	return nil
}

// watch ждёт разрыва соединения и переподключается.
func (c *Connection) watch() {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				c.logger.Warn("connection lost", "error", err)
			}
		}

		if !c.reconnect() {
			return
		}
	}
}

// reconnect повторяет подключение с удвоением задержки до maxReconnectDelay.
// Возвращает false, если соединение закрыли во время ожидания.
func (c *Connection) reconnect() bool {
	delay := time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-c.closedCh:
			return false
		case <-timer.C:
		}

		if err := c.connect(); err != nil {
			c.logger.Warn("reconnect failed", "error", err, "retry_in", delay)
			delay = min(delay*2, maxReconnectDelay)
			timer.Reset(delay)
			continue
		}

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ")
		return true
	}
}

// Reconnected возвращает канал, который закроется после следующего переподключения.
// Канал нужно взять до попытки, результат которой он должен разбудить.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// OpenChannel открывает отдельный канал на текущем соединении.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn, closed := c.conn, c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrConnectionClosed
	}
	if conn == nil || conn.IsClosed() {
		return nil, errors.New("mq connection is down")
	}
	return conn.Channel()
}

// WithChannel выполняет fn на общем канале.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	ch, closed := c.channel, c.closed
	c.mu.RUnlock()

	if closed {
		return ErrConnectionClosed
	}
	if ch == nil || ch.IsClosed() {
		return errors.New("mq channel is down")
	}
	return fn(ch)
}

// IsConnected сообщает, живо ли соединение. Используется в /healthz.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close закрывает общий канал и соединение.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("connection closed")
	return errors.Join(errs...)
}

// endpoint возвращает host:port/vhost без учётных данных для логов.
func endpoint(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "invalid-url"
	}
	return fmt.Sprintf("%s:%d%s", uri.Host, uri.Port, vhostPath(uri.Vhost))
}

func vhostPath(vhost string) string {
	if vhost == "" || vhost == "/" {
		return "/"
	}
	return "/" + vhost
}
