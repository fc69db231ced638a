package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldproof/firesync/internal/syncagent"
)

func main() {
	baseURL := flag.String("server", envOrDefault("FIRESYNC_SERVER_URL", "http://127.0.0.1:8080"), "firesync server base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FIRESYNC_TOKEN")), "bearer token")
	spoolDir := flag.String("spool-dir", strings.TrimSpace(os.Getenv("FIRESYNC_SPOOL_DIR")), "directory the field app drops edited bundles into")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("FIRESYNC_AGENT_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("FIRESYNC_AGENT_INTERVAL", 30*time.Second), "backstop sweep interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("FIRESYNC_AGENT_INTERVAL_JITTER", 0.2), "sweep interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("FIRESYNC_AGENT_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sweep and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or FIRESYNC_TOKEN)")
	}
	if strings.TrimSpace(*spoolDir) == "" {
		log.Fatalf("spool-dir is required (--spool-dir or FIRESYNC_SPOOL_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	client := syncagent.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	agent, err := syncagent.NewAgent(client, syncagent.AgentOptions{
		SpoolDir:  *spoolDir,
		StateFile: *stateFile,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize sync agent: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		if err := agent.SweepOnce(rootCtx); err != nil {
			log.Fatalf("sweep failed: %v", err)
		}
		return
	}

	// backstop ticker with jitter so a fleet of devices does not sweep
	// in lockstep after a shared outage
	ticks := make(chan struct{}, 1)
	go func() {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		defer timer.Stop()
		for {
			select {
			case <-rootCtx.Done():
				close(ticks)
				return
			case <-timer.C:
				select {
				case ticks <- struct{}{}:
				default:
				}
				timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
			}
		}
	}()

	if err := agent.Run(rootCtx, ticks); err != nil && err != context.Canceled {
		log.Fatalf("agent stopped: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
