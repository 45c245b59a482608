package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// workerConn is the outbound half of one worker socket: a bounded queue
// drained by a single writer goroutine.
type workerConn struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWorkerConn(conn *websocket.Conn, queueSize int) *workerConn {
	return &workerConn{
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// Send queues frame for the worker without blocking.
func (c *workerConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrWorkerGone
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrWorkerGone
	default:
		return ErrQueueFull
	}
}

func (c *workerConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *workerConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *workerConn) writeLoop(log *zap.Logger) {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("write to worker failed", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// workerSession tracks the registration of one connection. register runs
// at most once, either from the first frame or from the identify timer.
type workerSession struct {
	srv   *Server
	wc    *workerConn
	log   *zap.Logger
	once  sync.Once
	shard string
}

func (ss *workerSession) register(shard string) {
	ss.once.Do(func() {
		ss.shard = shard
		log := ss.log.With(zap.String("shard", shard))
		if _, replaced := ss.srv.registry.Register(shard, ss.wc); replaced {
			log.Warn("shard re-registered, previous connection orphaned")
		} else {
			log.Info("worker registered")
		}
		ss.srv.metrics.setShards(ss.srv.registry.Len())
	})
}

// identify moves the connection to shard. When the identify timer already
// registered the fallback shard, that registration is dropped first.
func (ss *workerSession) identify(shard string) {
	ss.register(shard)
	if ss.shard == shard {
		return
	}

	prev := ss.shard
	log := ss.log.With(zap.String("shard", shard), zap.String("previous", prev))
	ss.srv.registry.Deregister(prev, ss.wc)
	ss.shard = shard
	if _, replaced := ss.srv.registry.Register(shard, ss.wc); replaced {
		log.Warn("shard re-registered after late identify, previous connection orphaned")
	} else {
		log.Info("worker moved to identified shard")
	}
	ss.srv.metrics.setShards(ss.srv.registry.Len())
}

// release deregisters the shard (if this connection still owns it) and
// closes the socket.
func (ss *workerSession) release() {
	// waits for an in-flight register from the identify timer
	ss.once.Do(func() {})
	if ss.shard != "" && ss.srv.registry.Deregister(ss.shard, ss.wc) {
		ss.log.Info("worker deregistered", zap.String("shard", ss.shard))
		ss.srv.metrics.setShards(ss.srv.registry.Len())
	}
	ss.wc.close()
}

// serveWorker owns one upgraded worker connection until it closes.
func (s *Server) serveWorker(conn *websocket.Conn, fallback string) {
	wc := newWorkerConn(conn, s.cfg.OutboundQueueSize)
	sess := &workerSession{
		srv: s,
		wc:  wc,
		log: s.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
	s.track(wc, true)
	s.metrics.connected()

	writerDone := make(chan struct{})
	defer func() {
		if r := recover(); r != nil {
			sess.log.Error("worker handler panic", zap.Any("panic", r))
		}
		sess.release()
		<-writerDone
		s.track(wc, false)
	}()

	go func() {
		defer close(writerDone)
		wc.writeLoop(sess.log)
	}()

	timer := time.AfterFunc(s.cfg.IdentifyTimeout, func() {
		sess.register(fallback)
	})
	defer timer.Stop()

	first := true
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || wc.closed() {
				sess.log.Debug("worker connection closed")
			} else {
				sess.log.Info("worker read ended", zap.Error(err))
			}
			return
		}

		frame, err := DecodeFrame(data)
		if first {
			first = false
			timer.Stop()
			if err == nil && frame.Identify != nil {
				s.metrics.frame("identify")
				sess.identify(string(frame.Identify.ShardID))
				continue
			}
			sess.register(fallback)
		}

		if err != nil {
			s.metrics.dropped("malformed")
			sess.log.Warn("malformed worker frame", zap.Error(err), zap.Int("bytes", len(data)))
			if s.cfg.MalformedFrames == MalformedClose {
				return
			}
			continue
		}
		s.handleFrame(sess, frame)
	}
}

func (s *Server) handleFrame(sess *workerSession, frame *Frame) {
	switch {
	case frame.Response != nil:
		s.metrics.frame("response")
		if err := s.store.Put(frame.Response.RequestID, frame.Response); err != nil {
			s.metrics.dropped("unawaited")
			sess.log.Debug("dropping response nobody awaits",
				zap.Uint64("request_id", frame.Response.RequestID))
		}
	case frame.Identify != nil:
		s.metrics.frame("identify")
		sess.log.Warn("late identify ignored", zap.String("requested", string(frame.Identify.ShardID)))
	default:
		s.metrics.frame("message")
		sess.log.Debug("worker message", zap.ByteString("payload", frame.Raw))
	}
}
