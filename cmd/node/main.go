package main

// main.go is the node's CLI entrypoint, grouping subcommands the way the
// teacher's cmd/synnergy/main.go does: one root command, one cobra.Command
// per concern (start, keygen, whitelist management).

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshnode/internal/core"
	"meshnode/pkg/config"
	"meshnode/pkg/utils"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "meshnode"}
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(whitelistCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log)
}

func loadKeys(keyFile string) (*core.KeyPair, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", keyFile, err)
	}
	seed, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", keyFile, err)
	}
	return core.KeyPairFromSeed(seed)
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a mesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			log := newLogger(cfg.Logging.Level)

			keys, err := loadKeys(cfg.Node.KeyFile)
			if err != nil {
				return err
			}

			node := core.NewNode(cfg, keys, log)
			node.Subscribe(core.ObserverFunc(func(e core.Event) {
				log.WithField("event", e.Kind.String()).Info("node event")
			}))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := node.Start(ctx); err != nil {
				return err
			}
			log.WithField("node_id", node.Self()).Info("node started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			log.Info("shutting down")
			node.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", utils.EnvOrDefault("MESHNODE_ENV", ""), "environment overlay (dev, prod, ...)")
	return cmd
}

func keygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a new node identity and write its seed to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := core.NewKeyPair()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(hex.EncodeToString(keys.Seed())), 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Printf("node id: %s\n", keys.ID())
			fmt.Printf("public key: %s\n", keys.PublicKeyHex())
			fmt.Printf("seed written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "node.key", "path to write the generated key seed")
	return cmd
}

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "whitelist", Short: "inspect the node's startup whitelist, or preview it with an id added or removed"}

	var env string
	add := &cobra.Command{
		Use:   "add [node-id]",
		Short: "print the configured whitelist with a NodeID added",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateWhitelist(env, func(ids []string) []string {
				for _, id := range ids {
					if id == args[0] {
						return ids
					}
				}
				return append(ids, args[0])
			})
		},
	}
	remove := &cobra.Command{
		Use:   "remove [node-id]",
		Short: "print the configured whitelist with a NodeID removed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateWhitelist(env, func(ids []string) []string {
				out := ids[:0]
				for _, id := range ids {
					if id != args[0] {
						out = append(out, id)
					}
				}
				return out
			})
		},
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "print the configured whitelist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(env)
			if err != nil {
				return err
			}
			for _, id := range cfg.Node.Whitelist {
				fmt.Println(id)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&env, "env", utils.EnvOrDefault("MESHNODE_ENV", ""), "environment overlay (dev, prod, ...)")
	cmd.AddCommand(add, remove, list)
	return cmd
}

// mutateWhitelist loads the startup config, applies mutate to its whitelist,
// and prints the result. It does not write the config file back, and it
// does not touch a running node's authority set (core.AuthoritySet).
func mutateWhitelist(env string, mutate func([]string) []string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return err
	}
	cfg.Node.Whitelist = mutate(cfg.Node.Whitelist)
	fmt.Println("updated whitelist:")
	for _, id := range cfg.Node.Whitelist {
		fmt.Println(" ", id)
	}
	fmt.Fprintln(os.Stderr, "note: persist this list back to your node config file to take effect on next start")
	return nil
}
