package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/ciena/ofctl/dpid"
	"github.com/ciena/ofctl/transport"
	log "github.com/sirupsen/logrus"
)

// LogCallback is called once a log fetch completed or failed
type LogCallback func(err error, msg string)

// ErrNoCallback is returned by FetchLogs when no callback is given
var ErrNoCallback = errors.New("log fetch needs a callback")

type localAddresser interface {
	LocalAddr() net.Addr
}

// FetchLogs asks a switch to upload its logs. The switch is told to connect
// back to an ephemeral listener, whatever it sends is written to outputPath
// and cb is called exactly once when the upload ends.
func (c *Controller) FetchLogs(ctx context.Context, id dpid.DatapathID, outputPath string, cb LogCallback) error {
	if cb == nil {
		return ErrNoCallback
	}
	t, err := c.registry.Resolve(id)
	if err != nil {
		return err
	}

	host := "127.0.0.1"
	if la, ok := t.(localAddresser); ok {
		if addr, ok := la.LocalAddr().(*net.TCPAddr); ok && !addr.IP.IsUnspecified() {
			host = addr.IP.String()
		}
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return fmt.Errorf("opening log listener: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	// Close waits for the receiver
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		l.Close()
		return transport.ErrClosed
	}
	c.wg.Add(1)
	c.lock.Unlock()

	if err := c.SendRemoteCommand(ctx, id, CommandGetLogs, []string{host, strconv.Itoa(port)}, false); err != nil {
		c.wg.Done()
		l.Close()
		return err
	}

	log.WithFields(log.Fields{
		"dpid":   id.String(),
		"listen": l.Addr().String(),
		"output": outputPath,
	}).Info("Fetching logs from datapath")

	go func() {
		defer c.wg.Done()
		n, err := c.receiveLogs(l, outputPath)
		if err != nil {
			cb(err, fmt.Sprintf("log fetch from %s failed", id.String()))
			return
		}
		cb(nil, fmt.Sprintf("received %d bytes of logs from %s", n, id.String()))
	}()
	return nil
}

func (c *Controller) receiveLogs(l net.Listener, outputPath string) (int64, error) {
	defer l.Close()

	// the switch gets LogFetchTimeout to connect back, the listener is also
	// closed when the controller is
	if c.cfg.LogFetchTimeout > 0 {
		timeout := c.clock.AfterFunc(c.cfg.LogFetchTimeout, func() { l.Close() })
		defer timeout.Stop()
	}
	stop := context.AfterFunc(c.ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		return 0, fmt.Errorf("waiting for log connection: %w", err)
	}
	defer conn.Close()
	stopConn := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stopConn()

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, conn)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}
