package logrelay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
)

// packetHeader opens every packet a Source server sends to its configured
// logaddress. 'S' marks a packet carrying the sv_logsecret; secretless 'R'
// packets are dropped because nothing ties them to a game.
var packetHeader = []byte{0xff, 0xff, 0xff, 0xff}

const (
	packetTypeSecret = 'S'
	maxPacketSize    = 4096
)

var errBadPacket = errors.New("malformed log packet")

// Receiver listens for relayed server log traffic over UDP and feeds each
// line into the collector.
type Receiver struct {
	collector *Collector
	conn      net.PacketConn
}

// Listen binds the UDP socket. The receiver does not consume packets until
// Run is called.
func Listen(addr string, collector *Collector) (*Receiver, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Receiver{collector: collector, conn: conn}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (r *Receiver) Addr() net.Addr { return r.conn.LocalAddr() }

// Run reads packets until ctx is cancelled. Malformed or secretless
// packets are dropped; the public internet can reach this socket.
func (r *Receiver) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("reading log packet failed", "error", err)
			return
		}
		msg, err := parsePacket(buf[:n])
		if err != nil {
			continue
		}
		r.collector.HandleMessage(ctx, msg)
	}
}

// parsePacket unwraps one logaddress datagram:
//
//	\xff\xff\xff\xffS<secret>L <payload>\x00
//
// The secret runs up to the "L " that opens the log line proper.
func parsePacket(raw []byte) (Message, error) {
	if !bytes.HasPrefix(raw, packetHeader) {
		return Message{}, errBadPacket
	}
	raw = raw[len(packetHeader):]
	if len(raw) == 0 || raw[0] != packetTypeSecret {
		return Message{}, errBadPacket
	}
	body := string(raw[1:])
	secret, payload, ok := strings.Cut(body, "L ")
	if !ok || secret == "" {
		return Message{}, errBadPacket
	}
	payload = strings.TrimRight(payload, "\x00\r\n")
	return Message{Secret: secret, Payload: payload}, nil
}
