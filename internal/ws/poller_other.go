//go:build !linux

package ws

import (
	"errors"
	"net"
)

var errNoPoller = errors.New("ws: epoll not available on this platform")

// poller is unavailable outside Linux; the server reads each connection
// from its own goroutine instead.
type poller struct{}

func newPoller() (*poller, error) { return nil, errNoPoller }

func (p *poller) Add(net.Conn) error        { return errNoPoller }
func (p *poller) Remove(net.Conn) error     { return errNoPoller }
func (p *poller) Wait() ([]net.Conn, error) { return nil, errNoPoller }
func (p *poller) Close() error              { return nil }

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
