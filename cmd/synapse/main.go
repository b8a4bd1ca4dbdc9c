// Package main is the entry point for the synapse CLI: the API server and
// the client commands that talk to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/synapse-lab/backend/internal/client"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// rootCmd is the base command for the synapse CLI.
var rootCmd = &cobra.Command{
	Use:   "synapse",
	Short: "Research data backend for electrochemistry labs",
	Long: `synapse runs the research data API (serve) and provides client commands
for logging in, uploading instrument files and managing experiment records.

Client commands read the server address and session token from --server and
--token, or from SYNAPSE_SERVER and SYNAPSE_TOKEN.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("server", "http://localhost:8090", "API base URL for client commands")
	rootCmd.PersistentFlags().String("token", "", "session token for client commands")

	viper.SetEnvPrefix("SYNAPSE")
	viper.AutomaticEnv()
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// newClient builds an API client from the persistent flags.
func newClient() *client.Client {
	return client.New(viper.GetString("server"), viper.GetString("token"))
}

// requireToken returns a client or an error telling the user to log in.
func requireToken() (*client.Client, error) {
	c := newClient()
	if c.Token == "" {
		return nil, fmt.Errorf("no session token: run 'synapse login' and set SYNAPSE_TOKEN or --token")
	}
	return c, nil
}

func main() {
	// SIGINT/SIGTERM cancel the command context: serve shuts down and
	// upload cancels its in-flight transfers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
