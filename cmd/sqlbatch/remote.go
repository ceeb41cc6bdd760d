package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/sqlbatch/client"
	"github.com/xraph/sqlbatch/job"
)

// newClient builds an API client from the --server flag and the
// SQLBATCH_DB_* variables. The flag wins over the environment only when set
// explicitly.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	server, _ := cmd.Flags().GetString(flagServer)
	if !cmd.Flags().Changed(flagServer) {
		server = getEnv(envServer, server)
	}
	port, err := envInt(envDBPort, 0)
	if err != nil {
		return nil, err
	}
	return client.New(server,
		client.WithLogger(newLogger()),
		client.WithDB(job.DBParams{
			Host:     getEnv(envDBHost, ""),
			Port:     port,
			Name:     getEnv(envDBName, ""),
			User:     getEnv(envDBUser, ""),
			Password: getEnv(envDBPassword, ""),
		}),
	)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [flags] QUERY...",
		Short: "Submit a batch job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			host, _ := cmd.Flags().GetString(flagQueueHost)
			coe, _ := cmd.Flags().GetBool(flagContinueOnError)
			wait, _ := cmd.Flags().GetBool(flagWait)

			j, err := c.Submit(cmd.Context(), client.SubmitRequest{
				Query:           args,
				Host:            host,
				ContinueOnError: coe,
			})
			if err != nil {
				return err
			}
			if wait {
				if j, err = waitJob(cmd.Context(), c, j); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().String(flagQueueHost, "", "Queue to submit to (defaults to the database host)")
	cmd.Flags().Bool(flagContinueOnError, false, "Keep running the remaining queries after one fails")
	cmd.Flags().Bool(flagWait, false, "Poll until the job finishes")
	return cmd
}

// waitJob polls until j reaches a terminal state.
func waitJob(ctx context.Context, c *client.Client, j *job.Job) (*job.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for !j.IsTerminal() {
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
		next, err := c.Get(ctx, j.ID.String())
		if err != nil {
			return j, err
		}
		j = next
	}
	return j, nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			j, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wait, _ := cmd.Flags().GetBool(flagWait); wait {
				if j, err = waitJob(cmd.Context(), c, j); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
	cmd.Flags().Bool(flagWait, false, "Poll until the job finishes")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			j, err := c.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), j)
		},
	}
}

func copyToCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copyto COPY_STATEMENT",
		Short: "Stream a COPY ... TO STDOUT to a file or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path, _ := cmd.Flags().GetString(flagFile); path != "" && path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			n, err := c.CopyTo(cmd.Context(), args[0], out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "copied %d bytes\n", n)
			return nil
		},
	}
	cmd.Flags().StringP(flagFile, "o", "", "Write to this file instead of stdout")
	return cmd
}

func copyFromCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copyfrom COPY_STATEMENT",
		Short: "Stream a file or stdin into a COPY ... FROM STDIN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if path, _ := cmd.Flags().GetString(flagFile); path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			res, err := c.CopyFrom(cmd.Context(), args[0], in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringP(flagFile, "i", "", "Read from this file instead of stdin")
	return cmd
}
