package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/wingman-ai/wingman/internal/config"
	"github.com/wingman-ai/wingman/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to generate a gateway config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			return runInit(cli.DefaultPrompter(), output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./.wingman/wingman.config.json)")
	return cmd
}

func runInit(p *cli.Prompter, outputPath string) error {
	fmt.Fprintln(p.Out)
	fmt.Fprintln(p.Out, "  Wingman Gateway — Configuration Setup")
	fmt.Fprintln(p.Out, strings.Repeat("─", 42))
	fmt.Fprintln(p.Out)

	cfg := &config.Config{}

	fmt.Fprintln(p.Out, "Listener")
	cfg.Gateway.Host = p.Ask("  Bind host", "127.0.0.1")
	port, err := strconv.Atoi(p.Ask("  Bind port", "7433"))
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port")
	}
	cfg.Gateway.Port = port
	fmt.Fprintln(p.Out)

	fmt.Fprintln(p.Out, "Authentication")
	mode := p.Choose("  Select auth mode", []string{
		"none — open access (local development only)",
		"token — shared bearer token",
		"password — password checked on connect",
	}, 1)
	switch {
	case strings.HasPrefix(mode, "token"):
		cfg.Gateway.Auth.Mode = "token"
		token := p.Ask("  Token (empty to generate)", "")
		if token == "" {
			token = randomToken()
			fmt.Fprintf(p.Out, "  Generated token: %s\n", token)
		}
		cfg.Gateway.Auth.Token = token
	case strings.HasPrefix(mode, "password"):
		cfg.Gateway.Auth.Mode = "password"
		for {
			pw := p.AskPassword("  Password")
			if pw == "" {
				fmt.Fprintln(p.Out, "  Password must not be empty.")
				continue
			}
			if p.AskPassword("  Confirm password") != pw {
				fmt.Fprintln(p.Out, "  Passwords do not match.")
				continue
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			cfg.Gateway.Auth.PasswordHash = string(hash)
			break
		}
		cfg.Gateway.Auth.AllowTailscale = p.Confirm("  Allow tailscale-authenticated connections without a password?", false)
	default:
		cfg.Gateway.Auth.Mode = "none"
	}
	fmt.Fprintln(p.Out)

	fmt.Fprintln(p.Out, "Default Agent")
	if p.Confirm("  Configure an agent now?", true) {
		agent := config.AgentConfig{}
		agent.ID = p.Ask("  Agent ID", "assistant")
		agent.Name = p.Ask("  Display name", agent.ID)

		kind := p.Choose("  Runner kind", []string{
			"http — forward requests to an HTTP endpoint",
			"command — spawn a local command per request",
		}, 0)
		if strings.HasPrefix(kind, "http") {
			agent.Runner.Kind = "http"
			agent.Runner.URL = p.Ask("  Runner URL", "http://localhost:8090/run")
		} else {
			agent.Runner.Kind = "command"
			agent.Runner.Command = p.Ask("  Command", "")
			if agent.Runner.Command == "" {
				return fmt.Errorf("runner command is required")
			}
		}

		cfg.Agents.List = append(cfg.Agents.List, agent)
		cfg.DefaultAgent = agent.ID
	}
	fmt.Fprintln(p.Out)

	if outputPath == "" {
		outputPath = p.Ask("Config file output path", config.WorkspacePath("."))
	}

	if _, err := os.Stat(outputPath); err == nil {
		if !p.Confirm(fmt.Sprintf("%s already exists, overwrite?", outputPath), false) {
			return fmt.Errorf("aborted")
		}
	}

	if err := cfg.Save(outputPath); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(p.Out, "\n  Config written to %s\n", outputPath)
	fmt.Fprintln(p.Out)
	fmt.Fprintln(p.Out, "  Next steps:")
	fmt.Fprintf(p.Out, "    wingman-gateway run %s\n\n", outputPath)

	return nil
}

func randomToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
