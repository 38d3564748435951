package staticpool

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pickupstack/pickup/internal/gameserver"
)

// LineDialer opens a TCP console connection and writes one command per
// line. The actual RCON framing, when needed, is layered behind the same
// Controls interface by an external package.
func LineDialer(address string, port int, password string) (gameserver.Controls, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", address, port, err)
	}
	c := &lineControls{conn: conn}
	if password != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Send(ctx, "PASS "+password); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

type lineControls struct{ conn net.Conn }

func (c *lineControls) Send(ctx context.Context, cmd string) error {
	dl, ok := ctx.Deadline()
	if !ok {
		dl = time.Now().Add(5 * time.Second)
	}
	if err := c.conn.SetWriteDeadline(dl); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.conn, "%s\n", cmd)
	return err
}

func (c *lineControls) Close() error { return c.conn.Close() }
