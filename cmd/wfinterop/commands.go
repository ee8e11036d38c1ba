package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"wfinterop/internal/config"
	"wfinterop/internal/run"
	"wfinterop/internal/runlog"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wfinterop",
		Short: "Run evaluation queue submissions on GA4GH workflow execution services",
		Long: `wfinterop claims RECEIVED submissions from an evaluation queue, submits
them as workflow runs to a GA4GH WES endpoint and reconciles run state back
onto the submission until it reaches a terminal status.

Settings come from the environment (STORE_BACKEND, WFINTEROP_CONFIG,
DEFAULT_WES_ID, ...). Queues, tool registries and workflow services are
read from the YAML config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newRunQueueCommand(),
		newReconcileCommand(),
		newServeCommand(),
		newQueuesCommand(),
		newVersionCommand(),
	)
	return cmd
}

// queueLog is the JSON document printed by run-queue and reconcile.
type queueLog struct {
	QueueID string                    `json:"queueId"`
	Runs    map[string]*runlog.RunLog `json:"runs"`
	Error   string                    `json:"error,omitempty"`
}

func printQueueLog(w io.Writer, queueID string, runs map[string]*runlog.RunLog, passErr error) error {
	out := queueLog{QueueID: queueID, Runs: runs}
	if out.Runs == nil {
		out.Runs = map[string]*runlog.RunLog{}
	}
	if passErr != nil {
		out.Error = passErr.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return passErr
}

func newRunQueueCommand() *cobra.Command {
	var (
		queueID     string
		wesID       string
		attachments []string
		parts       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run-queue",
		Short: "Dispatch every RECEIVED submission of a queue",
		Long: `Claim and dispatch every RECEIVED submission of a queue, then print the
queue log: the RunLog of each dispatched submission keyed by submission id.

Submissions that cannot be dispatched are marked INVALID and reported in
the error field; the pass continues with the next submission.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), config.LoadServiceConfig(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.controller.RunQueue(cmd.Context(), queueID, wesID, run.Options{
				ExtraAttachments: attachments,
				Parts:            parts,
			})
			return printQueueLog(cmd.OutOrStdout(), queueID, runs, err)
		},
	}
	cmd.Flags().StringVar(&queueID, "queue", "", "evaluation queue id")
	cmd.Flags().StringVar(&wesID, "wes", "", "workflow execution service id (default: queue or service default)")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "extra workflow attachment URL, repeatable")
	cmd.Flags().StringToStringVar(&parts, "part", nil, "extra run request part as key=value, repeatable")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func newReconcileCommand() *cobra.Command {
	var queueID string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Update in-progress submissions of a queue from their runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), config.LoadServiceConfig(), nil)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.reconciler.Reconcile(cmd.Context(), queueID)
			return printQueueLog(cmd.OutOrStdout(), queueID, runs, err)
		},
	}
	cmd.Flags().StringVar(&queueID, "queue", "", "evaluation queue id")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

func newQueuesCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queues",
		Short: "Show configured queues, tool registries and workflow services",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := config.Open(config.LoadServiceConfig().ConfigPath)
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), store.Snapshot(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")
	return cmd
}

// printConfig prints f with credentials masked. The auth maps of f are
// replaced, never modified.
func printConfig(w io.Writer, f config.File, asJSON bool) error {
	mask := func(services map[string]config.Service) {
		for id, svc := range services {
			if len(svc.Auth) == 0 {
				continue
			}
			auth := make(map[string]string, len(svc.Auth))
			for k, v := range svc.Auth {
				if v != "" {
					v = "****"
				}
				auth[k] = v
			}
			svc.Auth = auth
			services[id] = svc
		}
	}
	mask(f.ToolRegistries)
	mask(f.WorkflowServices)

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(f)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wfinterop %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
