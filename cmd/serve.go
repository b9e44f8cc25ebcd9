package cmd

import (
	"errors"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/graphboost/graphboost/cache"
	"github.com/graphboost/graphboost/envconfig"
	"github.com/graphboost/graphboost/graphstore"
	"github.com/graphboost/graphboost/logutil"
	"github.com/graphboost/graphboost/server"
)

var errNoCapacity = errors.New("cache capacity is required: pass --capacity or set GRAPHBOOST_CACHE_CAPACITY")

// capacity reads the --capacity flag, falling back to the environment. There
// is no default.
func capacity(cmd *cobra.Command) (int, error) {
	n, err := cmd.Flags().GetInt("capacity")
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = envconfig.CacheCapacity
	}
	if n == 0 {
		return 0, errNoCapacity
	}
	return n, nil
}

func RunServer(cmd *cobra.Command, _ []string) error {
	logutil.Install(os.Stderr, envconfig.LogLevel, envconfig.LogFormat)

	n, err := capacity(cmd)
	if err != nil {
		return err
	}
	c, err := cache.New(n)
	if err != nil {
		return err
	}

	host, err := envconfig.Host()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	return server.Serve(ln, server.New(c, graphstore.New(envconfig.Graphs)))
}
