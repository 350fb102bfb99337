package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/docflow/internal/server"
	"github.com/3leaps/docflow/internal/server/handlers"
	"github.com/3leaps/docflow/pkg/manifest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API without processing documents",
	Long: `Start the HTTP API: health probes, /version and the /documents
status, steps, events and reprocess endpoints. Run 'docflow worker --serve'
to serve the API from a processing node instead.

Example:
  docflow serve --port 8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	addServerFlags(serveCmd)
}

func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	cmd.Flags().IntVar(&servePort, "port", -1, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return withRuntime(ctx, runtimeOptions{}, func(env *runtimeEnv) error {
		srv := newServer(env)
		if err := srv.Run(ctx); err != nil {
			return exitError(exitUnavailable, "HTTP server failed", err)
		}
		return nil
	})
}

// newServer builds the HTTP server for env and registers its health checks.
func newServer(env *runtimeEnv) *server.Server {
	health := handlers.InitHealthManager(versionInfo.Version)
	health.RegisterChecker("store", storeHealthChecker{db: env.db})
	health.RegisterChecker("manifest", manifestHealthChecker{cache: env.manifests})
	if id := GetAppIdentity(); id != nil {
		health.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
	}

	host, port := env.cfg.Server.Host, env.cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort >= 0 {
		port = servePort
	}
	return server.New(host, port,
		server.WithTimeouts(server.Timeouts{
			Read:     env.cfg.Server.ReadTimeout,
			Write:    env.cfg.Server.WriteTimeout,
			Idle:     env.cfg.Server.IdleTimeout,
			Shutdown: env.cfg.Server.ShutdownTimeout,
		}),
		server.WithDocuments(&handlers.Documents{Status: env.status, Reprocessor: env.orch}),
	)
}

type storeHealthChecker struct {
	db *sql.DB
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return errors.New("store not initialized")
	}
	return c.db.PingContext(ctx)
}

type manifestHealthChecker struct {
	cache *manifest.Cache
}

func (c manifestHealthChecker) CheckHealth(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("manifest cache not initialized")
	}
	_, err := c.cache.Snapshot()
	return err
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return fmt.Errorf("identity check failed: missing binary name")
	case c.envPrefix == "":
		return fmt.Errorf("identity check failed: missing env prefix")
	case c.configName == "":
		return fmt.Errorf("identity check failed: missing config name")
	}
	return nil
}
