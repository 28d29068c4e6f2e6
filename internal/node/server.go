package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DispatchServer accepts inbound connections on one TCP port and serves the
// framed request/response protocol over each. The acceptor never blocks on
// dispatch: socket ownership moves into a per-connection goroutine and the
// acceptor immediately goes back to accepting.
type DispatchServer struct {
	node     *Node
	listener net.Listener
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartDispatchServer binds the given port and launches the accept loop.
func StartDispatchServer(ctx context.Context, node *Node, port uint16, log *zap.Logger) (*DispatchServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, Wrap(ConnectionFailed, err, fmt.Sprintf("listen on port %d", port))
	}
	if log == nil {
		log = zap.NewNop()
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s := &DispatchServer{
		node:     node,
		listener: listener,
		log:      log,
		ctx:      serverCtx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	log.Info("Dispatch server listening", zap.String("addr", listener.Addr().String()))
	return s, nil
}

// Addr returns the bound listener address.
func (s *DispatchServer) Addr() net.Addr { return s.listener.Addr() }

// Shutdown stops accepting and waits for in-flight sessions to finish.
// Sessions retained by notification bridges are not waited for; they belong
// to their listeners now.
func (s *DispatchServer) Shutdown() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *DispatchServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("Failed to accept connection", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.serveConnection(conn)
	}
}

// serveConnection runs the per-session dispatch loop: read a request frame,
// route it, write the response with the request's id. Any error produces an
// error response and ends the loop. A keep-alive upgrade ends the loop too,
// but hands the live session to a notification bridge instead of closing it.
func (s *DispatchServer) serveConnection(conn net.Conn) {
	defer s.wg.Done()

	session := NewServerSession(conn, s.node.cfg.RequestExpirationPeriod)
	dispatcher := newRequestDispatcher(s.node)
	limiter := rate.NewLimiter(rate.Limit(s.node.cfg.RequestRateLimit), int(s.node.cfg.RequestRateLimit)+1)
	s.log.Debug("Connection accepted", zap.String("session", string(session.ID())))

	retained := false
	defer func() {
		if !retained {
			_ = session.Close()
		}
		s.log.Debug("Request dispatch loop finished", zap.String("session", string(session.ID())))
	}()

	for s.ctx.Err() == nil {
		msg, err := session.Receive()
		if err != nil {
			switch KindOf(err) {
			case InvalidState:
				// Clean close by the peer.
			case BadRequest, ProtocolViolation:
				s.log.Warn("Dropping malformed session", zap.String("session", string(session.ID())), zap.Error(err))
				_ = session.Send(&Message{Response: errorResponse(err)})
			default:
				s.log.Warn("Session read failed", zap.String("session", string(session.ID())), zap.Error(err))
			}
			return
		}

		if err := limiter.Wait(s.ctx); err != nil {
			return
		}

		var resp *Response
		endLoop := false
		if msg.Request == nil {
			resp = errorResponse(E(BadRequest, "missing message body or request"))
			endLoop = true
		} else if resp, err = dispatcher.Dispatch(msg.Request); err != nil {
			s.log.Warn("Failed to serve request",
				zap.String("session", string(session.ID())),
				zap.Uint32("kind", uint32(KindOf(err))), zap.Error(err))
			resp = errorResponse(err)
			endLoop = true
		} else {
			resp.Status = uint32(OK)
		}

		if err := session.Send(&Message{ID: msg.ID, Response: resp}); err != nil {
			s.log.Warn("Failed to send response", zap.String("session", string(session.ID())), zap.Error(err))
			return
		}
		if endLoop {
			return
		}

		if dispatcher.upgraded {
			// The session lives on inside the notification bridge; only the
			// dispatch loop ends here.
			bridge := NewNeighbourhoodNotifier(session, s.node, s.log.Named("notifier"))
			s.node.AddListener(bridge)
			retained = true
			s.log.Debug("Session upgraded to notification mode", zap.String("session", string(session.ID())))
			return
		}
	}
}

func errorResponse(err error) *Response {
	return &Response{Status: uint32(KindOf(err)), Details: err.Error()}
}
