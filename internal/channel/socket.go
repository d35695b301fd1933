package channel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrax-labs/mt5-bridge/internal/wire"
	"go.uber.org/zap"
)

// Socket binding. The controller is always the stable endpoint: it
// listens on both the command and telemetry addresses and terminal-side
// processes dial in, so the controller's address never depends on
// terminal network topology. Frames are newline-delimited JSON objects.

const (
	maxFrameSize    = 1 << 20
	dialBackoffMin  = 250 * time.Millisecond
	dialBackoffMax  = 5 * time.Second
	peerWaitBackoff = 100 * time.Millisecond
)

// peer holds the currently connected remote, replaced on reconnect
type peer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *peer) get() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *peer) set(conn net.Conn) {
	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.mu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
}

// removeStaleSocket removes a leftover unix socket file so a restarted
// listener can bind again
func removeStaleSocket(network, addr string) error {
	if network != "unix" {
		return nil
	}
	info, err := os.Lstat(addr)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("channel: path %s exists and is not a socket", addr)
	}
	return os.Remove(addr)
}

// ListenWriter is the controller side of the command channel: it listens
// for the terminal to connect and pushes frames to it through a bounded
// queue. A full queue surfaces ErrChannelFull to the caller.
type ListenWriter struct {
	ln     net.Listener
	remote peer
	queue  chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
	sent   int64
}

// NewListenWriter listens on network/addr and starts the accept and send
// loops
func NewListenWriter(network, addr string, queueDepth int, logger *zap.Logger) (*ListenWriter, error) {
	if err := removeStaleSocket(network, addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	w := &ListenWriter{
		ln:     ln,
		queue:  make(chan []byte, queueDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.acceptLoop()
	go w.sendLoop()
	return w, nil
}

// Addr returns the bound listen address
func (w *ListenWriter) Addr() string {
	return w.ln.Addr().String()
}

func (w *ListenWriter) acceptLoop() {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(peerWaitBackoff)
			continue
		}
		w.logger.Info("command peer connected", zap.String("remote", conn.RemoteAddr().String()))
		w.remote.set(conn)
	}
}

func (w *ListenWriter) sendLoop() {
	for {
		select {
		case <-w.done:
			return
		case payload := <-w.queue:
			w.send(payload)
		}
	}
}

// send delivers one frame, waiting for a peer and retrying through
// reconnects so FIFO order is preserved
func (w *ListenWriter) send(payload []byte) {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		conn := w.remote.get()
		if conn == nil {
			time.Sleep(peerWaitBackoff)
			continue
		}

		if err := writeFrame(conn, payload); err != nil {
			w.logger.Warn("command send failed, waiting for reconnect", zap.Error(err))
			w.remote.set(nil)
			continue
		}
		atomic.AddInt64(&w.sent, 1)
		return
	}
}

// Write enqueues one frame for delivery
func (w *ListenWriter) Write(ctx context.Context, payload []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case w.queue <- payload:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close stops the writer and its listener
func (w *ListenWriter) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.ln.Close()
		w.remote.set(nil)
	})
	return err
}

// ListenReader is the controller side of the telemetry channel: it
// accepts connecting terminals and feeds their frames to the handler.
// Multiple terminals may be connected at once; frames are FIFO per
// connection.
type ListenReader struct {
	ln     net.Listener
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewListenReader listens on network/addr for telemetry peers
func NewListenReader(network, addr string, logger *zap.Logger) (*ListenReader, error) {
	if err := removeStaleSocket(network, addr); err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, addr, err)
	}
	return &ListenReader{ln: ln, done: make(chan struct{}), logger: logger}, nil
}

// Addr returns the bound listen address
func (r *ListenReader) Addr() string {
	return r.ln.Addr().String()
}

// Run accepts peers until ctx is cancelled
func (r *ListenReader) Run(ctx context.Context, handler Handler) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-r.done:
				return ErrClosed
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		r.logger.Info("telemetry peer connected", zap.String("remote", conn.RemoteAddr().String()))
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()
			scanConn(ctx, conn, handler, r.logger)
		}(conn)
	}
}

// Close stops the reader
func (r *ListenReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// DialReader is the terminal side of the command channel: it dials the
// controller and reads command frames, reconnecting with backoff
type DialReader struct {
	network, addr string
	logger        *zap.Logger
}

// NewDialReader creates a reconnecting reader for the controller's
// command endpoint
func NewDialReader(network, addr string, logger *zap.Logger) *DialReader {
	return &DialReader{network: network, addr: addr, logger: logger}
}

// Run dials and reads until ctx is cancelled
func (r *DialReader) Run(ctx context.Context, handler Handler) error {
	backoff := dialBackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := net.Dial(r.network, r.addr)
		if err != nil {
			r.logger.Warn("dial failed, retrying",
				zap.String("addr", r.addr),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, dialBackoffMax)
			continue
		}

		backoff = dialBackoffMin
		r.logger.Info("connected to command endpoint", zap.String("addr", r.addr))
		scanConn(ctx, conn, handler, r.logger)
		conn.Close()
	}
}

// Close is a no-op; Run exits with its context
func (r *DialReader) Close() error { return nil }

// DialWriter is the terminal side of the telemetry channel: it dials the
// controller and pushes frames through a bounded queue, reconnecting
// with backoff
type DialWriter struct {
	network, addr string
	remote        peer
	queue         chan []byte
	done          chan struct{}
	once          sync.Once
	logger        *zap.Logger
}

// NewDialWriter creates a reconnecting writer for the controller's
// telemetry endpoint and starts its connect and send loops
func NewDialWriter(network, addr string, queueDepth int, logger *zap.Logger) *DialWriter {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	w := &DialWriter{
		network: network,
		addr:    addr,
		queue:   make(chan []byte, queueDepth),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go w.connectLoop()
	go w.sendLoop()
	return w
}

func (w *DialWriter) connectLoop() {
	backoff := dialBackoffMin
	for {
		select {
		case <-w.done:
			return
		default:
		}

		if w.remote.get() != nil {
			time.Sleep(peerWaitBackoff)
			continue
		}

		conn, err := net.Dial(w.network, w.addr)
		if err != nil {
			w.logger.Warn("telemetry dial failed, retrying",
				zap.String("addr", w.addr),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-w.done:
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, dialBackoffMax)
			continue
		}
		backoff = dialBackoffMin
		w.logger.Info("connected to telemetry endpoint", zap.String("addr", w.addr))
		w.remote.set(conn)
	}
}

func (w *DialWriter) sendLoop() {
	for {
		select {
		case <-w.done:
			return
		case payload := <-w.queue:
			w.send(payload)
		}
	}
}

func (w *DialWriter) send(payload []byte) {
	for {
		select {
		case <-w.done:
			return
		default:
		}

		conn := w.remote.get()
		if conn == nil {
			time.Sleep(peerWaitBackoff)
			continue
		}

		if err := writeFrame(conn, payload); err != nil {
			w.logger.Warn("telemetry send failed, waiting for reconnect", zap.Error(err))
			w.remote.set(nil)
			continue
		}
		return
	}
}

// Write enqueues one frame for delivery
func (w *DialWriter) Write(ctx context.Context, payload []byte) error {
	select {
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case w.queue <- payload:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close stops the writer
func (w *DialWriter) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.remote.set(nil)
	})
	return nil
}

// writeFrame writes one newline-terminated frame
func writeFrame(conn net.Conn, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := conn.Write(buf)
	return err
}

// scanConn reads newline-delimited frames from conn until it closes or
// ctx is cancelled, validating each frame before handing it off
func scanConn(ctx context.Context, conn net.Conn, handler Handler, logger *zap.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		payload := make([]byte, len(scanner.Bytes()))
		copy(payload, scanner.Bytes())

		if err := wire.ValidateFrame(payload); err != nil {
			logger.Warn("discarding bad frame", zap.Int("size", len(payload)), zap.Error(err))
			continue
		}
		if err := handleWithRetry(ctx, logger, payload, handler); err != nil {
			logger.Error("dropping frame after failed handling", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("connection read failed", zap.Error(err))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
