package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gcsruntime/gcs/internal/config"
	"github.com/gcsruntime/gcs/internal/exec"
	"github.com/gcsruntime/gcs/internal/orchestrator"
	"github.com/gcsruntime/gcs/internal/web"
)

// newRunCmd starts the web surface over a running kernel.
func newRunCmd() *cobra.Command {
	var configName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the runtime with the HTTP/SSE surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			k.Start(ctx)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				k.Shutdown(shutdownCtx)
			}()

			if configName != "" {
				if err := k.LoadConfiguration(configName); err != nil {
					return err
				}
			}
			k.SetApprovalDecider(stdinDecider(os.Stdin, os.Stdout))

			return web.NewServer(k, k.Settings().WebPort).Start()
		},
	}
	cmd.Flags().StringVar(&configName, "config-name", "", "configuration to load at startup")
	return cmd
}

// newChatCmd runs an interactive REPL over a single conversation.
func newChatCmd() *cobra.Command {
	var configName string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the runtime on the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			k.Start(ctx)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				k.Shutdown(shutdownCtx)
			}()

			if configName != "" {
				if err := k.LoadConfiguration(configName); err != nil {
					return err
				}
			}
			k.SetApprovalDecider(stdinDecider(os.Stdin, os.Stdout))

			fmt.Println("GCS runtime. Type your message, or /quit to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if input == "/quit" || input == "/exit" {
					return nil
				}

				err := k.RunTurn(ctx, "cli", input, func(ev orchestrator.Event) {
					switch ev.Type {
					case orchestrator.EventToolCall:
						fmt.Printf("  [tool] %s(%v)\n", ev.ToolName, ev.Params)
					case orchestrator.EventToolResponse:
						if ev.Result != nil && !ev.Result.Success {
							fmt.Printf("  [tool] %s failed: %s\n", ev.ToolName, ev.Result.Error)
						}
					case orchestrator.EventAssistantResponse:
						fmt.Println(ev.Content)
					case orchestrator.EventTokenCounts:
						if ev.Tokens != nil {
							fmt.Printf("  (tokens: %d in, %d out)\n", ev.Tokens.Input, ev.Tokens.Output)
						}
					case orchestrator.EventError:
						fmt.Printf("  error: %s\n", ev.Content)
					}
				})
				if err != nil && ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&configName, "config-name", "", "configuration to load at startup")
	return cmd
}

// stdinDecider prompts the operator for each approval request.
func stdinDecider(in io.Reader, out io.Writer) exec.Decider {
	reader := bufio.NewReader(in)
	return func(_ context.Context, req *exec.ApprovalRequest) bool {
		fmt.Fprintf(out, "Approve tool %s with params %v? [y/N] ", req.ToolName, req.Params)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func newListConfigsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-configs",
		Short: "List available configuration manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel()
			if err != nil {
				return err
			}
			names, err := k.ListConfigurations()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No configurations found.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newLoadConfigCmd() *cobra.Command {
	var configName string
	cmd := &cobra.Command{
		Use:   "load-config",
		Short: "Validate and load a configuration manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configName == "" {
				return fmt.Errorf("--config-name is required")
			}
			k, err := buildKernel()
			if err != nil {
				return err
			}
			if err := k.LoadConfiguration(configName); err != nil {
				return err
			}
			fmt.Printf("Configuration %q loaded: %v\n", configName, k.ToolNames())
			return nil
		},
	}
	cmd.Flags().StringVar(&configName, "config-name", "", "configuration name (file stem under CONFIG_DIR)")
	return cmd
}

func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with the provider via the OAuth device flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel()
			if err != nil {
				return err
			}
			if _, err := k.Auth().Authenticate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Authentication successful.")
			return nil
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-status",
		Short: "Show the current credential status",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if k.Settings().LLMAPIKey != "" {
				fmt.Println("Using static API key from LLM_API_KEY.")
				return nil
			}
			c, err := k.Credentials().Load(ctx)
			if err != nil {
				return err
			}
			if c == nil {
				fmt.Println("Not authenticated. Run `gcs auth`.")
				return nil
			}
			if c.ExpiresWithin(0) {
				fmt.Printf("Credentials expired at %s. Run `gcs auth` or wait for refresh.\n", c.ExpiryDate.Format(time.RFC3339))
				return nil
			}
			fmt.Printf("Authenticated; access token valid until %s.\n", c.ExpiryDate.Format(time.RFC3339))
			return nil
		},
	}
}

// newSwitchProviderCmd rewrites the provider settings in the .env file.
func newSwitchProviderCmd() *cobra.Command {
	var baseURL, model, apiKey string
	cmd := &cobra.Command{
		Use:   "switch-provider",
		Short: "Point the runtime at a different OpenAI-compatible provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" && model == "" && apiKey == "" {
				return fmt.Errorf("nothing to change: pass --base-url, --model or --api-key")
			}

			config.LoadEnv()
			path := config.EnvFilePath()
			env := map[string]string{}
			if existing, err := godotenv.Read(path); err == nil {
				env = existing
			} else {
				path = ".env"
			}
			if baseURL != "" {
				env["LLM_BASE_URL"] = baseURL
			}
			if model != "" {
				env["LLM_MODEL"] = model
			}
			if apiKey != "" {
				env["LLM_API_KEY"] = apiKey
			}
			if err := godotenv.Write(env, path); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Printf("Provider settings written to %s.\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "chat-completions base URL")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "static API key")
	return cmd
}
