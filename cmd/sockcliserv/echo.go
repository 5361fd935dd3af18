package main

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/searchktools/reactor/core"
)

var exitSignals = []os.Signal{syscall.SIGINT, syscall.SIGHUP}

// echoServer copies each connection's input to its output
type echoServer struct {
	loop *core.Loop
	ln   *core.Listener
	hwm  int
	stop *core.Event
}

func newEchoServer(addr core.Addr, readHWM int, opts ...core.Option) (*echoServer, error) {
	l, err := core.NewLoop(opts...)
	if err != nil {
		return nil, err
	}
	s := &echoServer{loop: l, hwm: readHWM}

	s.ln, err = core.Listen(l, addr, s.accept)
	if err != nil {
		l.Close()
		return nil, err
	}

	s.stop, err = l.NewUser(func(ev *core.Event, _ int) {
		ev.ExitLoop()
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	return s, nil
}

// exitOn stops the server when any of sigs arrives
func (s *echoServer) exitOn(sigs ...os.Signal) error {
	for _, sig := range sigs {
		ev, err := s.loop.NewSignal(func(ev *core.Event, _ int) {
			fmt.Println("signal received, exiting loop")
			ev.ExitLoop()
		}, sig)
		if err != nil {
			return err
		}
		if err := ev.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (s *echoServer) addr() core.Addr { return s.ln.Addr() }

func (s *echoServer) accept(ln *core.Listener, fd int, peer core.Addr) {
	c, err := core.NewConn(s.loop, fd, core.HandlerFuncs{
		Readable: func(c *core.Conn) {
			c.Output().AppendBuffer(c.Input())
		},
		Closed: func(c *core.Conn, events core.StatusEvent, err error) {
			if events&core.EventError != 0 {
				s.loop.Logger().Warn("server connection error", "peer", peer.String(), "error", err)
			}
			c.SetOwned(true)
			c.Release()
		},
	})
	if err != nil {
		s.loop.Logger().Error("wrap accepted socket failed", "error", err)
		syscall.Close(fd)
		return
	}
	ln.SetNoDelay(fd)
	if s.hwm > 0 {
		c.SetReadWatermarks(0, s.hwm)
	}
	c.Enable(core.EvRead | core.EvWrite)
}

// run serves until a signal or shutdown, then closes the loop
func (s *echoServer) run() error {
	err := s.loop.Run(core.RunDefault)
	if cerr := s.close(); err == nil {
		err = cerr
	}
	return err
}

// shutdown makes run return; safe from any goroutine
func (s *echoServer) shutdown() error {
	return s.stop.Activate(0)
}

func (s *echoServer) close() error {
	return s.loop.Close()
}

// runClient sends lines of text to addr and echoes back whatever returns
// until timeout, returning the number of bytes read
func runClient(addr core.Addr, timeout time.Duration, lines int, out io.Writer, opts ...core.Option) (int64, error) {
	l, err := core.NewLoop(opts...)
	if err != nil {
		return 0, err
	}
	defer l.Close()

	timer, err := l.NewOneShotTimer(func(ev *core.Event, _ int) {
		fmt.Fprintln(out, "timeout")
		ev.ExitLoop()
	})
	if err != nil {
		return 0, err
	}
	timer.StartAfter(timeout)

	var (
		read    int64
		failure error
	)
	c, err := core.NewConn(l, -1, core.HandlerFuncs{
		Connected: func(c *core.Conn) {
			c.SetNoDelay()
		},
		Readable: func(c *core.Conn) {
			read += int64(c.Input().Len())
			c.Output().AppendBuffer(c.Input())
		},
		Closed: func(c *core.Conn, events core.StatusEvent, err error) {
			if events&core.EventError != 0 {
				fmt.Fprintln(out, "Error: client connection failed")
				failure = err
			}
			c.Release()
			l.Exit()
		},
	})
	if err != nil {
		return 0, err
	}
	c.Enable(core.EvRead | core.EvWrite)

	for i := 0; i < lines; i++ {
		c.Output().Printf("%d--reactor buffered connections are cool\n", i)
	}

	if err := c.Connect(addr); err != nil {
		return 0, err
	}
	if err := l.Run(core.RunDefault); err != nil {
		return read, err
	}
	return read, failure
}
