package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"siteops/internal/common/security"
	"siteops/internal/platform/config"

	"github.com/spf13/cobra"
)

var (
	apiURL     string
	token      string
	operator   string
	timeout    time.Duration
	tokenTTL   time.Duration
	mintTTL    time.Duration
	jobTypes   []string
	domainID   string
	articleID  string
	priority   int
	payload    string
	runAt      string
	failOnWarn bool
)

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Operate the content queue through the ops API",
	Long: `queuectl inspects queue health and SLO alerts and enqueues jobs.
Admin calls use --token, or a token minted from JWT_SECRET when none is given.`,
	SilenceUsage: true,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin token from JWT_SECRET",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := mintToken(tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show queue backend health, counts and concurrency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		doc, err := newOpsClient(apiURL, token, timeout).Health(ctx, jobTypes)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), doc)
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Evaluate queue SLO alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		doc, err := newOpsClient(apiURL, token, timeout).Alerts(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), doc); err != nil {
			return err
		}
		if n := alertCount(doc); failOnWarn && n > 0 {
			return fmt.Errorf("%d SLO alert(s) firing", n)
		}
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job-type>",
	Short: "Enqueue a job (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildEnqueueRequest(args[0])
		if err != nil {
			return err
		}
		if token == "" {
			if token, err = mintToken(mintTTL); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		id, err := newOpsClient(apiURL, token, timeout).Enqueue(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("QUEUECTL_API_URL", "http://localhost:8080"), "Ops API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("QUEUECTL_TOKEN"), "Bearer token for admin calls")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "Request timeout")

	tokenCmd.Flags().StringVar(&operator, "operator", envOr("USER", "queuectl"), "Operator recorded in the token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	enqueueCmd.Flags().StringVar(&operator, "operator", envOr("USER", "queuectl"), "Operator recorded in the token subject")
	enqueueCmd.Flags().DurationVar(&mintTTL, "ttl", 5*time.Minute, "Lifetime of a minted token")

	healthCmd.Flags().StringSliceVar(&jobTypes, "job-types", nil, "Restrict counts to these job types")
	alertsCmd.Flags().BoolVar(&failOnWarn, "fail", false, "Exit non-zero when any alert fires")

	enqueueCmd.Flags().StringVar(&domainID, "domain", "", "Domain id")
	enqueueCmd.Flags().StringVar(&articleID, "article", "", "Article id")
	enqueueCmd.Flags().IntVar(&priority, "priority", 0, "Priority, higher runs first")
	enqueueCmd.Flags().StringVar(&payload, "payload", "", "JSON payload, or @file to read it from a file")
	enqueueCmd.Flags().StringVar(&runAt, "at", "", "Schedule time (RFC3339) or delay such as 10m")

	rootCmd.AddCommand(tokenCmd, healthCmd, alertsCmd, enqueueCmd)
}

func mintToken(ttl time.Duration) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	return security.GenerateToken(security.NewTokenAuth(cfg.JWTKey), operator, security.RoleAdmin, ttl)
}

func buildEnqueueRequest(jobType string) (enqueueRequest, error) {
	req := enqueueRequest{JobType: jobType, Priority: priority}
	if domainID != "" {
		req.DomainID = &domainID
	}
	if articleID != "" {
		req.ArticleID = &articleID
	}

	if payload != "" {
		raw := []byte(payload)
		if path, ok := strings.CutPrefix(payload, "@"); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				return req, fmt.Errorf("read payload: %w", err)
			}
			raw = data
		}
		if !json.Valid(raw) {
			return req, fmt.Errorf("payload is not valid JSON")
		}
		req.Payload = raw
	}

	if runAt != "" {
		at, err := parseRunAt(runAt, time.Now())
		if err != nil {
			return req, err
		}
		req.ScheduledFor = &at
	}
	return req, nil
}

// parseRunAt accepts an RFC3339 timestamp or a delay relative to now.
func parseRunAt(value string, now time.Time) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at.UTC(), nil
	}
	delay, err := time.ParseDuration(value)
	if err != nil || delay < 0 {
		return time.Time{}, fmt.Errorf("--at must be RFC3339 or a non-negative duration, got %q", value)
	}
	return now.Add(delay).UTC(), nil
}

func alertCount(doc json.RawMessage) int {
	var resp struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	if json.Unmarshal(doc, &resp) != nil {
		return 0
	}
	return len(resp.Alerts)
}

func printJSON(w io.Writer, doc json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
