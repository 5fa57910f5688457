package sv2wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DialFunc opens a transport connection to a peer.
type DialFunc func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error)

// Dial is the default DialFunc, a plain TCP dial bound to the context.
func Dial(ctx context.Context, addr *net.TCPAddr) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr.String())
}

// Conn frames messages over a transport connection. Reads and writes are each
// serialized, so one reader and any number of writers may use a Conn
// concurrently.
type Conn struct {
	conn net.Conn

	readMtx  sync.Mutex
	writeMtx sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a transport connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// ReadMessage blocks until the next message arrives.
func (c *Conn) ReadMessage() (Message, error) {
	c.readMtx.Lock()
	defer c.readMtx.Unlock()

	msg, err := ReadMessage(c.conn)
	if err != nil {
		return nil, err
	}

	log.Tracef("Received %v from %v", msg.MsgType(), c.conn.RemoteAddr())

	return msg, nil
}

// WriteMessage writes a single framed message.
func (c *Conn) WriteMessage(msg Message) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if _, err := WriteMessage(c.conn, msg); err != nil {
		return err
	}

	log.Tracef("Sent %v to %v", msg.MsgType(), c.conn.RemoteAddr())

	return nil
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

// Bridge pumps messages between a connection and a pair of channels. Messages
// read from the connection are delivered on inbound, messages received on
// outbound are written to the connection. Bridge returns nil once ctx is done
// or outbound is closed, and an error if the connection fails. The connection
// is closed and inbound is closed when Bridge returns, which tells the
// consumer of inbound to terminate.
func Bridge(ctx context.Context, conn *Conn, inbound chan<- Message,
	outbound <-chan Message) error {

	defer close(inbound)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// Closing the connection is the only way to unblock a pending read,
	// so we do it as soon as any side of the bridge stops.
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()

		return nil
	})

	g.Go(func() error {
		for {
			msg, err := conn.ReadMessage()
			var unknown *UnknownMessage
			switch {
			case errors.As(err, &unknown):
				log.Warnf("Dropping message from %v: %v",
					conn.RemoteAddr(), err)
				continue

			case err != nil && gctx.Err() != nil:
				return nil

			case err != nil:
				return fmt.Errorf("read from %v: %w",
					conn.RemoteAddr(), err)
			}

			select {
			case inbound <- msg:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case msg, ok := <-outbound:
				if !ok {
					cancel()
					return nil
				}

				if err := conn.WriteMessage(msg); err != nil {
					if gctx.Err() != nil {
						return nil
					}

					return fmt.Errorf("write to %v: %w",
						conn.RemoteAddr(), err)
				}

			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}
