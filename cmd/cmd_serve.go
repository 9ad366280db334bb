// cmd_serve.go - Server-Start
// Hauptfunktionen: RunServer
package cmd

import (
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kvblock/kvblock/config"
	"github.com/kvblock/kvblock/kvcache"
	"github.com/kvblock/kvblock/server"
	"github.com/kvblock/kvblock/trace"
)

// RunServer - Startet den kvblock Debug-Server
func RunServer(_ *cobra.Command, _ []string) error {
	cfg := config.FromEnv()

	var opts []kvcache.Option
	if path := config.TracePath(); path != "" {
		sink, err := trace.NewSQLiteSink(path)
		if err != nil {
			return err
		}
		opts = append(opts, kvcache.WithTraceSink(sink))
	}

	kv, err := kvcache.New(cfg, opts...)
	if err != nil {
		return err
	}
	if err := kv.AllocatePools(config.ElementSize(), false); err != nil {
		return err
	}
	defer kv.Close()

	ln, err := net.Listen("tcp", config.Host())
	if err != nil {
		return err
	}

	err = server.Serve(ln, kv)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
