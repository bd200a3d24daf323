package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vinted/vstream-cdc/internal/app"
	"github.com/vinted/vstream-cdc/internal/checkpoint"
	"github.com/vinted/vstream-cdc/internal/config"
	"github.com/vinted/vstream-cdc/pkg/connector"
	"github.com/vinted/vstream-cdc/pkg/vgtid"
)

const cliVersion = "0.0.0-dev"

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	command := newRootCommand()
	parsedArgs := []string{}
	if len(args) > 1 {
		parsedArgs = args[1:]
	}
	command.SetArgs(parsedArgs)
	return command.Execute()
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "vstream-cdc",
		Short:        "Stream row-level changes from Vitess over vtgate VStream",
		Version:      cliVersion,
		SilenceUsage: true,
	}

	command.PersistentFlags().String("config", "", "path to config file")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(cmd)
	}

	command.AddCommand(newRunCommand())
	command.AddCommand(newVgtidCommand())
	command.AddCommand(newOffsetsCommand())
	return command
}

func initConfig(cmd *cobra.Command) error {
	configFlags := cmd.Flags()
	if cmd.Root() != nil && cmd.Root().PersistentFlags().Lookup("config") != nil {
		configFlags = cmd.Root().PersistentFlags()
	}
	configPath, err := configFlags.GetString("config")
	if err != nil {
		return fmt.Errorf("read config flag: %w", err)
	}

	viper.Reset()
	viper.SetEnvPrefix("VSTREAM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else if envPath := os.Getenv("VSTREAM_CONFIG"); envPath != "" {
		viper.SetConfigFile(envPath)
	} else {
		viper.SetConfigName("vstream-cdc")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "vstream-cdc"))
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

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the replication stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return app.Run(ctx, cfg)
		},
	}
	addStreamFlags(cmd)
	return cmd
}

func addStreamFlags(cmd *cobra.Command) {
	cmd.Flags().String("vtgate", "", "vtgate grpc address host:port")
	cmd.Flags().String("keyspace", "", "keyspace to stream")
	cmd.Flags().String("shard", "", "shard to stream (empty streams all shards)")
	cmd.Flags().String("gtid", "", "starting gtid (empty starts from the current position)")
	cmd.Flags().StringSlice("include-tables", nil, "tables to stream")
	cmd.Flags().StringSlice("exclude-tables", nil, "tables to skip")
	cmd.Flags().String("flow-id", "", "flow id for checkpointing")
}

// loadConfig starts from the environment and layers flag and config-file
// overrides on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}

	stringOverride(cmd, "vtgate", "vtgate_addr", &cfg.Vtgate.Addr)
	stringOverride(cmd, "keyspace", "keyspace", &cfg.Stream.Keyspace)
	stringOverride(cmd, "shard", "shard", &cfg.Stream.Shard)
	stringOverride(cmd, "gtid", "gtid", &cfg.Stream.Gtid)
	stringOverride(cmd, "flow-id", "flow_id", &cfg.FlowID)

	if cmd.Flags().Changed("include-tables") {
		cfg.Stream.IncludeTables, _ = cmd.Flags().GetStringSlice("include-tables")
	}
	if cmd.Flags().Changed("exclude-tables") {
		cfg.Stream.ExcludeTables, _ = cmd.Flags().GetStringSlice("exclude-tables")
	}

	return cfg, nil
}

func stringOverride(cmd *cobra.Command, flagName, viperKey string, target *string) {
	if cmd.Flags().Lookup(flagName) != nil && cmd.Flags().Changed(flagName) {
		if value, err := cmd.Flags().GetString(flagName); err == nil {
			*target = value
		}
		return
	}
	if viper.IsSet(viperKey) {
		*target = viper.GetString(viperKey)
	}
}

func newVgtidCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vgtid",
		Short: "Inspect vgtid positions",
	}

	parse := &cobra.Command{
		Use:   "parse <json>",
		Short: "Parse a vgtid and print its canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			pos, err := vgtid.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Println(pos.String())
			if !pos.IsResolved() {
				fmt.Println("note: position contains unresolved shards")
			}
			return nil
		},
	}

	def := &cobra.Command{
		Use:   "default",
		Short: "Print the starting position for a keyspace, shard, and gtid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyspace, _ := cmd.Flags().GetString("keyspace")
			if keyspace == "" {
				return errors.New("keyspace is required")
			}
			shard, _ := cmd.Flags().GetString("shard")
			gtid, _ := cmd.Flags().GetString("gtid")
			fmt.Println(vgtid.Default(keyspace, shard, gtid).String())
			return nil
		},
	}
	def.Flags().String("keyspace", "", "keyspace")
	def.Flags().String("shard", "", "shard")
	def.Flags().String("gtid", "", "gtid")

	cmd.AddCommand(parse, def)
	return cmd
}

func newOffsetsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsets",
		Short: "Inspect stored stream offsets",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all flow offsets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore(store)

			items, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					item.FlowID,
					item.Checkpoint.Vgtid,
					item.Checkpoint.Timestamp.Format("2006-01-02 15:04:05"),
				})
			}
			renderTextTable([]string{"FLOW", "VGTID", "UPDATED"}, rows)
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <flow-id>",
		Short: "Print the stored offset for a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore(store)

			cp, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(cp.Vgtid)
			return nil
		},
	}

	for _, sub := range []*cobra.Command{list, get} {
		sub.Flags().String("backend", "", "checkpoint backend: sqlite or postgres")
		sub.Flags().String("dsn", "", "checkpoint store DSN")
		sub.Flags().String("path", "", "sqlite database path")
		cmd.AddCommand(sub)
	}
	return cmd
}

func openStore(cmd *cobra.Command) (connector.CheckpointStore, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, err
	}
	stringOverride(cmd, "backend", "checkpoint_backend", &cfg.Checkpoints.Backend)
	stringOverride(cmd, "dsn", "checkpoint_dsn", &cfg.Checkpoints.DSN)
	stringOverride(cmd, "path", "checkpoint_path", &cfg.Checkpoints.Path)

	switch strings.ToLower(strings.TrimSpace(cfg.Checkpoints.Backend)) {
	case "postgres":
		return checkpoint.NewPostgresStore(cmd.Context(), cfg.Checkpoints.DSN)
	case "sqlite", "":
		dsn := cfg.Checkpoints.DSN
		if dsn == "" {
			dsn = cfg.Checkpoints.Path
		}
		return checkpoint.NewSQLiteStore(cmd.Context(), dsn)
	default:
		return nil, errors.New("unsupported checkpoint backend: " + cfg.Checkpoints.Backend)
	}
}

func closeStore(store connector.CheckpointStore) {
	if closer, ok := store.(interface{ Close() error }); ok {
		_ = closer.Close()
		return
	}
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
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
