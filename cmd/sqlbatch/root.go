package main

import (
	"github.com/spf13/cobra"
)

// flag names
const (
	flagServer          = "server"
	flagListen          = "listen"
	flagHosts           = "hosts"
	flagNoWorker        = "no-worker"
	flagContinueOnError = "continue-on-error"
	flagQueueHost       = "queue-host"
	flagWait            = "wait"
	flagFile            = "file"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlbatch",
		Short: "Asynchronous batch SQL jobs against tenant Postgres databases",
		Long: `sqlbatch runs SQL statements as batch jobs that outlive the request that
submitted them. "serve" runs the HTTP API (and, unless --no-worker is given,
a worker); "worker" runs only a worker. The remaining commands talk to a
running server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String(flagServer, "http://localhost:8080", "Address of the sqlbatch API server (env: "+envServer+")")

	cmd.AddCommand(serveCmd(), workerCmd())
	cmd.AddCommand(submitCmd(), statusCmd(), cancelCmd(), copyToCmd(), copyFromCmd())
	return cmd
}
