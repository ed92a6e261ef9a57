// Command pollsetdemo is a tiny coroutine-style echo server that exercises
// the pollset package end to end: a reuseport listener feeds accepted
// connections through the reference scheduler in internal/corort, each
// connection's bytes are framed with a length-prefixed codec, and every
// inbound frame is echoed back through a pooled buffer. It exists to give
// the domain-stack dependencies named in SPEC_FULL.md §B (reuseport, ants,
// bytebufferpool, goframe) a concrete, runnable home; it is not part of the
// multiplexer's own contract.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-reuseport"
	"github.com/smallnest/goframe"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/panlibin/pollset"
	"github.com/panlibin/pollset/internal/corort"
)

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	poolSize := flag.Int("pool", 256, "coroutine pool size")
	flag.Parse()

	ln, err := reuseport.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("pollsetdemo: listen: %v", err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		log.Fatalf("pollsetdemo: reuseport listener is not a *net.TCPListener")
	}
	lfd, err := rawFd(tcpLn)
	if err != nil {
		log.Fatalf("pollsetdemo: extract listener fd: %v", err)
	}

	ps, err := pollset.NewPollset()
	if err != nil {
		log.Fatalf("pollsetdemo: new pollset: %v", err)
	}
	defer ps.Term()

	rt, err := corort.New(ps, *poolSize)
	if err != nil {
		log.Fatalf("pollsetdemo: new runtime: %v", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("pollsetdemo: poll loop stopped: %v", err)
		}
	}()

	if err := rt.Go(func(w corort.Worker) { acceptLoop(ctx, w, rt, lfd) }); err != nil {
		log.Fatalf("pollsetdemo: submit accept loop: %v", err)
	}

	log.Printf("pollsetdemo: listening on %s", *addr)
	<-ctx.Done()
}

func rawFd(ln *net.TCPListener) (int, error) {
	sc, err := ln.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	ctrlErr := sc.Control(func(p uintptr) { fd = int(p) })
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return fd, nil
}

func acceptLoop(ctx context.Context, w corort.Worker, rt *corort.Runtime, lfd int) {
	for {
		if err := w.WaitReadable(ctx, lfd); err != nil {
			return
		}
		for {
			nfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err != nil {
				if err == unix.EAGAIN {
					break
				}
				log.Printf("pollsetdemo: accept4: %v", err)
				break
			}
			fd := nfd
			if err := rt.Go(func(w corort.Worker) { serveConn(ctx, w, fd) }); err != nil {
				_ = unix.Close(fd)
			}
		}
	}
}

func frameCodec(conn net.Conn) goframe.FrameConn {
	enc := goframe.EncoderConfig{
		ByteOrder:                       binary.BigEndian,
		LengthFieldLength:               4,
		LengthAdjustment:                0,
		LengthIncludesLengthFieldLength: false,
	}
	dec := goframe.DecoderConfig{
		ByteOrder:           binary.BigEndian,
		LengthFieldOffset:   0,
		LengthFieldLength:   4,
		LengthAdjustment:    0,
		InitialBytesToStrip: 4,
	}
	return goframe.NewLengthFieldBasedFrameConn(enc, dec, conn)
}

// serveConn echoes length-prefixed frames back to the peer until the
// connection closes or the coroutine's wait on readability is cancelled.
func serveConn(ctx context.Context, w corort.Worker, fd int) {
	f := os.NewFile(uintptr(fd), "pollsetdemo-conn")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return
	}
	defer conn.Close()

	fc := frameCodec(conn)
	for {
		if err := w.WaitReadable(ctx, fd); err != nil {
			return
		}
		frame, err := fc.ReadFrame()
		if err != nil {
			return
		}

		buf := bytebufferpool.Get()
		_, _ = buf.Write(frame)
		err = fc.WriteFrame(buf.B)
		bytebufferpool.Put(buf)
		if err != nil {
			return
		}
	}
}
