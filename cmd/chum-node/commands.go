package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"chumnet/internal/config"
	"chumnet/internal/crypto"
	"chumnet/internal/logging"
	"chumnet/internal/node"
	"chumnet/internal/proto"
)

func newInitCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the identity key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			path := g.configPath
			if path == "" {
				path = filepath.Join(cfg.Home, config.FileName)
			}
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "config exists: %s\n", path)
			} else if err := config.Write(path, cfg); err != nil {
				return err
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			v, err := g.vault(cfg)
			if err != nil {
				return err
			}
			key, mnemonic, err := v.LoadOrCreate()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyLine(key))
			if mnemonic != "" {
				printMnemonic(cmd.OutOrStdout(), mnemonic)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func newRunCmd(g *globals) *cobra.Command {
	var (
		pairing   bool
		bootstrap []string
		level     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("pairing") {
				cfg.Pairing = pairing
			}
			cfg.Bootstrap = append(cfg.Bootstrap, bootstrap...)
			if level != "" {
				cfg.Log.Level = level
			}
			log, err := logging.New(logging.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON, Output: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			v, err := g.vault(cfg)
			if err != nil {
				return err
			}
			key, mnemonic, err := v.LoadOrCreate()
			if err != nil {
				return err
			}
			if mnemonic != "" {
				printMnemonic(cmd.OutOrStdout(), mnemonic)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n, err := node.New(ctx, cfg, key, log)
			if err != nil {
				return err
			}
			defer n.Close()
			banner(cmd.OutOrStdout(), n)
			return n.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&pairing, "pairing", false, "admit untrusted peers as paired")
	cmd.Flags().StringSliceVar(&bootstrap, "bootstrap", nil, "endpoint multiaddrs to dial at startup")
	cmd.Flags().StringVar(&level, "log-level", "", "override the configured log level")
	return cmd
}

func newIDCmd(g *globals) *cobra.Command {
	var showMnemonic bool
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print the local person and key ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			v, err := g.vault(cfg)
			if err != nil {
				return err
			}
			key, err := v.Load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyLine(key))
			if showMnemonic {
				m, err := v.Mnemonic()
				if err != nil {
					return err
				}
				printMnemonic(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showMnemonic, "mnemonic", false, "also print the recovery phrase")
	return cmd
}

func newRestoreCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <word>...",
		Short: "Replace the identity with one recovered from a BIP-39 phrase",
		Args:  cobra.MinimumNArgs(12),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			v, err := g.vault(cfg)
			if err != nil {
				return err
			}
			key, err := v.Restore(strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), keyLine(key))
			return nil
		},
	}
}

func newPeersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers from the local peer book",
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := g.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.Close()
			peers := n.Registry.List()
			sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
			out := cmd.OutOrStdout()
			for _, p := range peers {
				var routes []string
				for t, ep := range p.Reachability {
					routes = append(routes, string(t)+"="+ep)
				}
				sort.Strings(routes)
				fmt.Fprintf(out, "%s state=%s paired=%v keys=%d %s\n", p.ID, p.State, p.Paired, len(p.Keys), strings.Join(routes, " "))
			}
			return nil
		},
	}
}

func newCertifyCmd(g *globals) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "certify <type> <subject>",
		Short: "Issue a certificate with the local key",
		Long:  "Types: " + strings.Join(certTypeNames(), ", "),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseCertType(args[0])
			if err != nil {
				return err
			}
			return certify(cmd, g, t, args[1], []byte(data))
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "certificate data")
	return cmd
}

func newTrustCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "trust <key-id>",
		Short: "Certify that a key is trusted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !crypto.IsKeyID(args[0]) {
				return errors.Errorf("%q is not a key id", args[0])
			}
			return certify(cmd, g, proto.CertTrustKeys, args[0], nil)
		},
	}
}

func certify(cmd *cobra.Command, g *globals, t proto.CertificateType, subject string, data []byte) error {
	n, err := g.open(cmd.Context(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer n.Close()
	c, err := n.Engine.Certify(cmd.Context(), t, subject, data)
	if err != nil {
		return err
	}
	if err := n.Engine.Refresh(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "issued %s %s -> %s\n", c.ID, t, subject)
	return nil
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running node's status endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cfg.HTTPListen == "" {
				return errors.New("httpListen is disabled in the config")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.HTTPListen+"/status", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return errors.Wrap(err, "node not running?")
			}
			defer resp.Body.Close()
			var st map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return errors.Wrap(err, "decode status")
			}
			keys := make([]string, 0, len(st))
			for k := range st {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", k, st[k])
			}
			return nil
		},
	}
}

func certTypeNames() []string {
	var out []string
	for t := proto.CertificateType(0); t.Valid(); t++ {
		out = append(out, t.String())
	}
	return out
}

func parseCertType(s string) (proto.CertificateType, error) {
	for t := proto.CertificateType(0); t.Valid(); t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown certificate type %q (want one of %s)", s, strings.Join(certTypeNames(), ", "))
}
