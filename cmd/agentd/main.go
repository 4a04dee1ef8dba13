// Command agentd is the device-side cloud camera agent: it loads its
// configuration, wires the control-plane session to the storage,
// event-engine and upload components, and runs until signaled to stop.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vxg-embedded/cloud-agent/internal/agent"
	"github.com/vxg-embedded/cloud-agent/internal/config"
	"github.com/vxg-embedded/cloud-agent/internal/dispatch"
	"github.com/vxg-embedded/cloud-agent/internal/storage"
	"github.com/vxg-embedded/cloud-agent/internal/token"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// controlPlaneURL resolves cfg's cloud_url into a ws(s):// endpoint; a
// scheme already present in the config wins over the secure-channel flag.
func controlPlaneURL(cfg *config.YAMLConfig) string {
	if strings.Contains(cfg.CloudURL, "://") {
		return cfg.CloudURL
	}
	if cfg.IsCloudChannelSecure() {
		return "wss://" + cfg.CloudURL
	}
	return "ws://" + cfg.CloudURL
}

func main() {
	configPath := flag.String("config", getEnv("AGENTD_CONFIG", "/etc/agentd/agentd.yaml"), "Path to the agent's YAML configuration file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	tok, err := token.Decode(cfg.Token)
	if err != nil {
		log.Error("failed to decode access token", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.RemoteRegion))
	if err != nil {
		log.Error("failed to load AWS configuration", "error", err)
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	local := storage.NewLocalTimeline(cfg.LocalStorageDir)
	remote := storage.NewRemoteTimeline(s3Client, cfg.RemoteBucket, cfg.RemotePrefix)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.AllowInvalidCerts() {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	disp := dispatch.New(log)

	agentCfg := cfg.ToAgentConfig(controlPlaneURL(cfg), tok)
	agentCfg.MemorycardNormal = true

	a := agent.New(disp, agentCfg, agent.Deps{
		Local:      local,
		Remote:     remote,
		HTTPClient: httpClient,
	}, log)

	log.Info("starting agent", "url", agentCfg.URL, "cam_id", tok.CamID)
	a.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	a.Stop()
	disp.Stop()
}
