package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"chumnet/internal/config"
	"chumnet/internal/crypto"
	"chumnet/internal/logging"
	"chumnet/internal/node"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type globals struct {
	configPath string
	home       string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "chum-node",
		Short:         "Peer-to-peer trust mesh node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <home>/"+config.FileName+")")
	cmd.PersistentFlags().StringVar(&g.home, "home", "", "node home directory")

	cmd.AddCommand(
		newInitCmd(g),
		newRunCmd(g),
		newIDCmd(g),
		newRestoreCmd(g),
		newPeersCmd(g),
		newCertifyCmd(g),
		newTrustCmd(g),
		newStatusCmd(g),
	)
	return cmd
}

// load resolves the home directory first so the config file can default
// to living inside it.
func (g *globals) load() (config.Config, error) {
	home := g.home
	if home == "" {
		if v, ok := os.LookupEnv("CHUM_HOME"); ok && v != "" {
			home = v
		} else {
			home = config.Default().Home
		}
	}
	path := g.configPath
	if path == "" {
		path = filepath.Join(home, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if g.home != "" {
		cfg.Home = g.home
	}
	return cfg, nil
}

func (g *globals) vault(cfg config.Config) (*node.Vault, error) {
	return node.OpenVault(cfg.Home, cfg.Keyring, os.LookupEnv)
}

// open builds a node without starting the network, for offline commands.
func (g *globals) open(ctx context.Context, out io.Writer) (*node.Node, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	v, err := g.vault(cfg)
	if err != nil {
		return nil, err
	}
	key, err := v.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Config{Level: "warn", Output: out})
	if err != nil {
		return nil, err
	}
	return node.New(ctx, cfg, key, log)
}

func keyLine(key crypto.KeyPair) string {
	return fmt.Sprintf("person=%s key=%s", crypto.PersonID(key.PublicKey), crypto.KeyID(key.PublicKey))
}
