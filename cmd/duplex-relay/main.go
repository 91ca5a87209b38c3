// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command duplex-relay is a thin demonstration binary over the duplex
// library: it listens on one address, dials a target for every accepted
// connection, and joins the pair through a duplex.Context, in the same
// listen-then-dial shape as xtaci-kcptun's client and server commands.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/shanna/duplex"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "duplex-relay"
	app.Usage = "join two TCP endpoints through a duplex.Context"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":7000", Usage: "local listen address"},
		cli.StringFlag{Name: "target, t", Value: "127.0.0.1:7001", Usage: "upstream target address"},
		cli.StringFlag{Name: "key", Usage: "pre-shared passphrase; enables the chacha20 transform when set", EnvVar: "DUPLEX_KEY"},
		cli.BoolFlag{Name: "comp", Usage: "enable snappy chunk compression on the tunneled leg"},
		cli.StringFlag{Name: "config, c", Usage: "path to a JSON config file (flags override it)"},
		cli.StringFlag{Name: "snmplog", Usage: "periodic CSV stats log path"},
		cli.IntFlag{Name: "snmpperiod", Value: 5, Usage: "stats log interval, in seconds"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-connection logging"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return errors.Wrap(err, "duplex-relay: load config")
	}

	out, in, err := cfg.transforms()
	if err != nil {
		return errors.Wrap(err, "duplex-relay: build transforms")
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "duplex-relay: listen")
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	stats := duplex.NewStats()
	dx, err := duplex.New(ctx, duplex.WithStats(stats))
	if err != nil {
		return errors.Wrap(err, "duplex-relay: start context")
	}
	defer dx.Close()

	statsDone := make(chan struct{})
	defer close(statsDone)
	go stats.LogPeriodic(cfg.SnmpLog, time.Duration(cfg.SnmpPeriod)*time.Second, statsDone)

	color.Cyan("duplex-relay: %s -> %s", cfg.Listen, cfg.Target)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "duplex-relay: accept")
			}
		}
		go handle(dx, conn, cfg, out, in)
	}
}

// handle dials the target for one accepted connection and installs both
// legs of the relay as independent half-duplex Join Streams, since each
// direction here carries a different Transform — exactly the case the
// HalfDuplex flag exists for.
func handle(dx *duplex.Context, conn net.Conn, cfg *Config, out, in duplex.Transform) {
	upstream, err := net.Dial("tcp", cfg.Target)
	if err != nil {
		if !cfg.Quiet {
			log.Printf("duplex-relay: dial %s: %v", cfg.Target, err)
		}
		conn.Close()
		return
	}

	if !cfg.Quiet {
		log.Printf("duplex-relay: join %s <-> %s", conn.RemoteAddr(), upstream.RemoteAddr())
	}

	if err := dx.Join(conn, upstream, duplex.HalfDuplex, out); err != nil {
		conn.Close()
		upstream.Close()
		return
	}
	if err := dx.Join(upstream, conn, duplex.HalfDuplex, in); err != nil {
		_ = dx.Unjoin(conn, upstream)
		conn.Close()
		upstream.Close()
	}
}
