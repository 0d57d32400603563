package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"settlement-core/internal/market"
	"settlement-core/pkg/config"
	"settlement-core/pkg/db"
	"settlement-core/pkg/exchanges/kraken"
)

const (
	statusHealthy   = "HEALTHY"
	statusDegraded  = "DEGRADED"
	statusUnhealthy = "UNHEALTHY"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	fmt.Println("Settlement Core Health Check")
	fmt.Println("============================")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	report := HealthReport{Overall: statusHealthy}
	report.Services = append(report.Services, checkConfig(cfg, err))
	if err == nil {
		report.Services = append(report.Services,
			checkDatabase(ctx, cfg),
			checkRedis(ctx, cfg),
			checkKraken(ctx, cfg),
			checkAPIServer(ctx, cfg),
		)
	}
	report.Overall = overall(report.Services)

	fmt.Println()
	for _, svc := range report.Services {
		icon := "ok"
		switch svc.Status {
		case statusUnhealthy:
			icon = "!!"
		case statusDegraded:
			icon = "~~"
		}
		fmt.Printf("[%s] %-16s %-10s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Printf("\nOverall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if report.Overall == statusUnhealthy {
		os.Exit(1)
	}
}

func overall(services []HealthStatus) string {
	result := statusHealthy
	for _, svc := range services {
		switch svc.Status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusDegraded:
			result = statusDegraded
		}
	}
	return result
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: statusHealthy, Timestamp: time.Now()}
}

func checkConfig(cfg *config.Config, loadErr error) HealthStatus {
	status := newStatus("Configuration")
	if loadErr != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("load failed: %v", loadErr)
		return status
	}
	if err := cfg.Validate(); err != nil {
		status.Status = statusUnhealthy
		status.Message = strings.ReplaceAll(err.Error(), "\n", "; ")
		return status
	}
	status.Message = fmt.Sprintf("port=%s symbols=%s", cfg.Port, strings.Join(cfg.Symbols, ","))
	return status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")
	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("open failed: %v", err)
		return status
	}
	defer database.Close()
	if err := database.DB.PingContext(ctx); err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	status.Message = cfg.DBPath
	return status
}

// checkRedis also reports how stale the latest tick of each configured symbol is.
func checkRedis(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Redis")
	if cfg.RedisAddr == "" {
		status.Status = statusDegraded
		status.Message = "REDIS_ADDR not set; server runs embedded redis"
		return status
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}

	prices := market.NewRedisPrices(rdb)
	var stale []string
	for _, sym := range cfg.Symbols {
		t, err := prices.Latest(ctx, sym)
		if err != nil || time.Since(time.UnixMilli(t.TS)) > cfg.PriceFreshness {
			stale = append(stale, sym)
		}
	}
	if len(stale) > 0 {
		status.Status = statusDegraded
		status.Message = "stale prices: " + strings.Join(stale, ",")
		return status
	}
	status.Message = "prices fresh"
	return status
}

func checkKraken(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Kraken API")
	if cfg.KrakenAPIKey == "" || cfg.KrakenAPISecret == "" {
		status.Status = statusDegraded
		status.Message = "no fallback credentials configured"
		return status
	}
	client := kraken.New(kraken.Config{
		APIKey:    cfg.KrakenAPIKey,
		APISecret: cfg.KrakenAPISecret,
		BaseURL:   cfg.KrakenAPIURL,
		Timeout:   cfg.KrakenTimeout,
	})
	if err := client.Ping(ctx); err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("balance check failed: %v", err)
		return status
	}
	status.Message = "credentials accepted"
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", cfg.Port), nil)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return status
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		status.Status = statusDegraded
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}
	status.Message = "running"
	return status
}
