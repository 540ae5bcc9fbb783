// Command pcactl resolves approval chains and permissions offline against a
// YAML policy snapshot.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/pesio-ai/be-pc-approvals/internal/logger"
	"github.com/pesio-ai/be-pc-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-pc-approvals/internal/service"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pcactl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "pcactl",
		Usage:  "Inspect project controls approval policy",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "policy",
				Aliases:  []string{"p"},
				Usage:    "YAML policy snapshot",
				Required: true,
				Sources:  cli.EnvVars("PCA_POLICY_FILE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newResolveCommand(),
			newPermissionsCommand(),
			newValidateCommand(),
		},
	}
}

func newResolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resolve the assignee chain of a workflow for a project",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow", Aliases: []string{"w"}, Usage: "Workflow key", Required: true},
			&cli.StringFlag{Name: "project", Usage: "Project code", Required: true},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			store, err := memory.LoadPolicyFile(command.String("policy"))
			if err != nil {
				return err
			}
			resolver := service.NewAssigneeResolver(store, nil, newLogger(command))
			chain, err := resolver.ResolveChain(ctx, command.String("workflow"), command.String("project"))
			if err != nil {
				return err
			}
			return printJSON(command.Root().Writer, chain)
		},
	}
}

func newPermissionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "permissions",
		Usage: "Resolve a user's effective permissions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "User email", Required: true},
			&cli.StringFlag{Name: "project", Usage: "Project code (omit for global permissions)"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			store, err := memory.LoadPolicyFile(command.String("policy"))
			if err != nil {
				return err
			}
			resolver := service.NewPermissionResolver(store, store, nil, newLogger(command))
			perms, err := resolver.Resolve(ctx, command.String("email"), command.String("project"))
			if err != nil {
				return err
			}
			return printJSON(command.Root().Writer, perms)
		},
	}
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Check that the policy snapshot loads and every definition is valid",
		Action: func(_ context.Context, command *cli.Command) error {
			if _, err := memory.LoadPolicyFile(command.String("policy")); err != nil {
				return err
			}
			_, err := fmt.Fprintln(command.Root().Writer, "policy OK")
			return err
		},
	}
}

func newLogger(command *cli.Command) *logger.Logger {
	return logger.New(logger.Config{
		Level:       command.String("log-level"),
		Environment: "development",
		ServiceName: "pcactl",
		Output:      os.Stderr,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
