// treekv command line front-end for the embedded engine
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nainya/treekv/internal/config"
	"github.com/nainya/treekv/internal/logger"
	"github.com/nainya/treekv/pkg/kv"
)

var (
	flagDir    string
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:           "treekv",
		Short:         "treekv is an embedded versioned key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDir, "dir", "", "data directory (overrides config)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "TOML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug logging")

	root.AddCommand(setCmd(), getCmd(), delCmd(), keysCmd(), countCmd(), infoCmd(), compactCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "treekv:", err)
		os.Exit(1)
	}
}

// openDB builds the engine from config file plus flag overrides.
func openDB() (*kv.DB, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDir != "" {
		cfg.Dir = flagDir
	}
	level := cfg.LogLevel
	if flagDebug {
		level = "debug"
	}

	return kv.Open(kv.Options{
		Dir:            cfg.Dir,
		MaxLogFileSize: cfg.Engine.MaxLogFileSize,
		Logger: logger.NewLogger(logger.Config{
			Level:  level,
			Pretty: cfg.Pretty,
			Output: os.Stderr,
		}),
	})
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Create or update a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.StartWritingTransaction()
			if err != nil {
				return err
			}
			defer tx.Dispose()

			created, err := tx.CreateOrUpdateKeyValue([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			if created {
				fmt.Println("created")
			} else {
				fmt.Println("updated")
			}
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.StartTransaction()
			if err != nil {
				return err
			}
			defer tx.Dispose()

			if tx.Find([]byte(args[0])) != kv.FindExact {
				return fmt.Errorf("key not found: %s", args[0])
			}
			value, err := tx.GetValue()
			if err != nil {
				return err
			}
			os.Stdout.Write(value)
			fmt.Println()
			return nil
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Erase a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.StartWritingTransaction()
			if err != nil {
				return err
			}
			defer tx.Dispose()

			if tx.Find([]byte(args[0])) != kv.FindExact {
				return fmt.Errorf("key not found: %s", args[0])
			}
			if err := tx.EraseCurrent(); err != nil {
				return err
			}
			return tx.Commit()
		},
	}
}

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys [prefix]",
		Short: "List keys, optionally scoped to a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.StartTransaction()
			if err != nil {
				return err
			}
			defer tx.Dispose()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			tx.SetKeyPrefix([]byte(prefix))

			for ok := tx.FindFirstKey(); ok; ok = tx.FindNextKey() {
				fmt.Printf("%s%s\n", prefix, tx.GetKey())
			}
			return nil
		},
	}
}

func countCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count [prefix]",
		Short: "Count keys, optionally scoped to a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			tx, err := db.StartTransaction()
			if err != nil {
				return err
			}
			defer tx.Dispose()

			if len(args) == 1 {
				tx.SetKeyPrefix([]byte(args[0]))
			}
			fmt.Println(tx.GetKeyValueCount())
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			s := db.Stats()
			fmt.Printf("version:       %d\n", s.Version)
			fmt.Printf("keys:          %d\n", s.Keys)
			fmt.Printf("live versions: %d\n", s.LiveVersions)
			fmt.Printf("log files:     %d\n", s.LogFiles)
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Rewrite the value log, dropping erased data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Compact()
		},
	}
}
