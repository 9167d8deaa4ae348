// Command frigg-server runs the HTTP and KV file/key-value services
// over one shared worker pool. The HTTP service listens on the given
// port, the KV service on the next port up.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/grafana/frigg/pkg/filecache"
	"github.com/grafana/frigg/pkg/httpservice"
	"github.com/grafana/frigg/pkg/kvservice"
	"github.com/grafana/frigg/pkg/reactor"
	"github.com/grafana/frigg/pkg/util/log"
)

type serverCmd struct {
	HTTPPort   int    `arg:"" name:"http_port" help:"Port the HTTP file-serving service listens on. The KV service listens on http_port+1."`
	NumThreads int    `arg:"" name:"num_threads" help:"Number of worker goroutines shared by both services."`
	Root       string `help:"Directory the HTTP service serves files from." default:"." optional:""`
}

func (c *serverCmd) Run() error {
	manager := reactor.NewManager(c.NumThreads)

	httpSvc := httpservice.New(manager, c.HTTPPort, &filecache.DiskSource{Root: c.Root})
	kvSvc := kvservice.New(manager, c.HTTPPort+1)
	_, _ = httpSvc, kvSvc

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := manager.StartAsync(ctx); err != nil {
		return err
	}
	if err := manager.AwaitRunning(ctx); err != nil {
		return err
	}
	log.Logger.Log("msg", "listening", "http_port", c.HTTPPort, "kv_port", c.HTTPPort+1, "workers", c.NumThreads)

	// The manager can stop two ways: an OS signal cancels ctx, or a
	// "quit" request on either service calls manager.StopAsync() from
	// that connection's read-loop goroutine while main is still parked here. Waiting on
	// ctx.Done() alone misses the second case entirely — the manager
	// would terminate while this call stayed blocked forever, and the
	// process would never exit. Racing the two unblocks on whichever
	// happens first.
	terminated := make(chan error, 1)
	go func() { terminated <- manager.AwaitTerminated(context.Background()) }()

	select {
	case <-ctx.Done():
		manager.StopAsync()
		return <-terminated
	case err := <-terminated:
		return err
	}
}

var cli struct {
	Server serverCmd `cmd:"" help:"Run the HTTP and KV services."`
}

func main() {
	ctx := kong.Parse(&cli, kong.Name("frigg-server"))
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
