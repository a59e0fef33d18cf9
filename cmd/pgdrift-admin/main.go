package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fangqiank/pgdrift/internal/postgres"
	"github.com/fangqiank/pgdrift/internal/replication"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pgdrift-admin",
		Short:         "Operator tooling for pgdrift replication objects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initAdminConfig(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "path to config file")
	root.PersistentFlags().String("dsn", "", "postgres connection string")

	root.AddCommand(newSlotCmd())
	root.AddCommand(newPublicationCmd())
	root.AddCommand(newHealthCmd())
	return root
}

func initAdminConfig(cmd *cobra.Command) error {
	configFlags := cmd.Flags()
	if cmd.Root() != nil && cmd.Root().PersistentFlags().Lookup("config") != nil {
		configFlags = cmd.Root().PersistentFlags()
	}
	configPath, err := configFlags.GetString("config")
	if err != nil {
		return fmt.Errorf("read config flag: %w", err)
	}

	viper.Reset()
	viper.SetEnvPrefix("PGDRIFT_ADMIN")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else if envPath := os.Getenv("PGDRIFT_ADMIN_CONFIG"); envPath != "" {
		viper.SetConfigFile(envPath)
	} else {
		viper.SetConfigName("pgdrift-admin")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "pgdrift"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if !errors.As(err, &missing) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func resolveDSN(cmd *cobra.Command) (string, error) {
	dsn, err := cmd.Root().PersistentFlags().GetString("dsn")
	if err != nil {
		return "", err
	}
	if dsn == "" {
		dsn = viper.GetString("dsn")
	}
	if dsn == "" {
		return "", errors.New("postgres dsn is required (--dsn or PGDRIFT_ADMIN_DSN)")
	}
	return dsn, nil
}

func withOperator(cmd *cobra.Command, fn func(ctx context.Context, op *replication.Operator, admin replication.Admin) error) error {
	dsn, err := resolveDSN(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn, nil)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := logrus.New()
	admin := replication.NewPgAdmin(pool)
	return fn(ctx, replication.NewOperator(admin, logger), admin)
}

func newSlotCmd() *cobra.Command {
	slot := &cobra.Command{
		Use:   "slot",
		Short: "Inspect and recover replication slots",
	}

	status := &cobra.Command{
		Use:   "status <slot>",
		Short: "Show slot status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, func(ctx context.Context, op *replication.Operator, _ replication.Admin) error {
				info, result := op.SlotInfo(ctx, args[0])
				if !result.Success {
					return errors.New(result.Message)
				}
				renderSlot(info)
				return nil
			})
		},
	}

	reset := &cobra.Command{
		Use:   "reset <slot>",
		Short: "Drop and recreate an inactive slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, func(ctx context.Context, op *replication.Operator, _ replication.Admin) error {
				return renderResult(op.ResetSlot(ctx, args[0]))
			})
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup <slot>",
		Short: "Terminate the slot holder, then drop and recreate the slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, func(ctx context.Context, op *replication.Operator, _ replication.Admin) error {
				return renderResult(op.ForceCleanupSlot(ctx, args[0]))
			})
		},
	}

	slot.AddCommand(status, reset, cleanup)
	return slot
}

func newPublicationCmd() *cobra.Command {
	publication := &cobra.Command{
		Use:   "publication",
		Short: "Manage publications",
	}

	var tables []string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create the publication if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, func(ctx context.Context, op *replication.Operator, _ replication.Admin) error {
				return renderResult(op.CreatePublication(ctx, args[0], tables))
			})
		},
	}
	create.Flags().StringSliceVar(&tables, "tables", nil, "tables to publish (empty means all tables)")

	publication.AddCommand(create)
	return publication
}

func newHealthCmd() *cobra.Command {
	var slotName string
	var lagThreshold int64
	health := &cobra.Command{
		Use:   "health",
		Short: "Run one replication health check",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, func(ctx context.Context, _ *replication.Operator, admin replication.Admin) error {
				monitor := replication.NewMonitor(admin, replication.MonitorConfig{
					SlotName:          slotName,
					LagThresholdBytes: lagThreshold,
				}, logrus.New())
				status := monitor.Check(ctx)
				renderHealth(status)
				if !status.IsHealthy {
					return errors.New("replication is unhealthy")
				}
				return nil
			})
		},
	}
	health.Flags().StringVar(&slotName, "slot", "pgdrift_slot", "slot to check")
	health.Flags().Int64Var(&lagThreshold, "lag-threshold-bytes", 64<<20, "lag threshold in bytes")
	return health
}

func renderResult(result replication.AdminResult) error {
	renderTextTable(
		[]string{"SUCCESS", "MESSAGE", "TIMESTAMP"},
		[][]string{{fmt.Sprintf("%t", result.Success), result.Message, result.Timestamp.Format(time.RFC3339)}},
	)
	if !result.Success {
		return errors.New(result.Message)
	}
	return nil
}

func renderSlot(info replication.SlotStatus) {
	pid := ""
	if info.ActivePID != nil {
		pid = fmt.Sprintf("%d", *info.ActivePID)
	}
	renderTextTable(
		[]string{"SLOT", "ACTIVE", "PID", "RESTART", "CONFIRMED", "LAG BYTES", "WAL STATUS"},
		[][]string{{
			info.SlotName,
			fmt.Sprintf("%t", info.Active),
			pid,
			info.RestartLSN.String(),
			info.ConfirmedFlushLSN.String(),
			fmt.Sprintf("%d", info.LagBytes),
			info.WalStatus,
		}},
	)
}

func renderHealth(status replication.HealthStatus) {
	rows := [][]string{{
		fmt.Sprintf("%t", status.IsHealthy),
		fmt.Sprintf("%d", status.LagMs),
		status.LastChecked.Format(time.RFC3339),
	}}
	renderTextTable([]string{"HEALTHY", "LAG MS", "CHECKED"}, rows)

	if len(status.Issues) > 0 {
		issueRows := make([][]string, 0, len(status.Issues))
		for _, issue := range status.Issues {
			issueRows = append(issueRows, []string{issue})
		}
		renderTextTable([]string{"ISSUE"}, issueRows)
	}
}

func renderTextTable(headers []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	header := make(table.Row, len(headers))
	for i, value := range headers {
		header[i] = value
	}
	t.AppendHeader(header)
	for _, rowValues := range rows {
		row := make(table.Row, len(rowValues))
		for i, value := range rowValues {
			row[i] = value
		}
		t.AppendRow(row)
	}
	t.Render()
}
