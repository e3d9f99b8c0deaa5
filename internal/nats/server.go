package nats

import (
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/swarmwatch/internal/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	readyTimeout    = 4 * time.Second
	drainTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Embedded is an in-process NATS server with JetStream file storage and a
// connection to it. It opens no network ports.
type Embedded struct {
	Server *server.Server
	Conn   *nats.Conn
	JS     jetstream.JetStream
}

// Start launches the server with storage under dataDir and connects to it.
// asyncErr receives failures of asynchronous publishes; it may be nil.
func Start(dataDir string, asyncErr func(subject string, err error)) (*Embedded, error) {
	logger.Debug("Starting embedded NATS server with data dir: %s", dataDir)

	ns, err := server.NewServer(&server.Options{
		ServerName: "swarmwatch",
		JetStream:  true,
		StoreDir:   dataDir,
		DontListen: true,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	ns.SetLogger(serverLogger{}, false, false)

	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server failed to start within timeout")
	}

	nc, err := nats.Connect("", nats.InProcessServer(ns), nats.Name("swarmwatch-journal"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connecting in-process: %w", err)
	}

	var jsOpts []jetstream.JetStreamOpt
	if asyncErr != nil {
		jsOpts = append(jsOpts, jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			asyncErr(msg.Subject, err)
		}))
	}
	js, err := jetstream.New(nc, jsOpts...)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	logger.Debug("NATS server ready")
	return &Embedded{Server: ns, Conn: nc, JS: js}, nil
}

// Close drains the connection and shuts the server down, bounding each step
// so a wedged server cannot hang the process.
func (e *Embedded) Close() error {
	if e == nil {
		return nil
	}
	if e.Conn != nil {
		done := make(chan error, 1)
		go func() { done <- e.Conn.Drain() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Warn("NATS drain failed, forcing close: %v", err)
				e.Conn.Close()
			}
		case <-time.After(drainTimeout):
			logger.Warn("NATS drain timed out after %s, forcing close", drainTimeout)
			e.Conn.Close()
		}
	}

	if e.Server == nil {
		return nil
	}
	e.Server.Shutdown()
	done := make(chan struct{})
	go func() {
		e.Server.WaitForShutdown()
		close(done)
	}()
	select {
	case <-done:
		logger.Debug("NATS server shut down cleanly")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Error("NATS server shutdown timed out after %s", shutdownTimeout)
		return errors.New("nats server shutdown timed out")
	}
}

// serverLogger routes nats-server diagnostics into the application log.
type serverLogger struct{}

func (serverLogger) Noticef(format string, v ...any) { logger.Debug("nats: "+format, v...) }
func (serverLogger) Warnf(format string, v ...any)   { logger.Warn("nats: "+format, v...) }
func (serverLogger) Fatalf(format string, v ...any)  { logger.Error("nats: "+format, v...) }
func (serverLogger) Errorf(format string, v ...any)  { logger.Error("nats: "+format, v...) }
func (serverLogger) Debugf(format string, v ...any)  { logger.Debug("nats: "+format, v...) }
func (serverLogger) Tracef(format string, v ...any)  {}
