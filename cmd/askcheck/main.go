package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type askResult struct {
	Response string `json:"response"`
	Detail   string `json:"detail"`
}

func ask(base, question string, timeout time.Duration) (int, *askResult, error) {
	b, _ := json.Marshal(map[string]string{"question": question})
	client := &http.Client{Timeout: timeout}
	res, err := client.Post(strings.TrimRight(base, "/")+"/ask", "application/json", bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	var out askResult
	if err := json.Unmarshal(data, &out); err != nil {
		return res.StatusCode, nil, fmt.Errorf("decode %q: %w", string(data), err)
	}
	return res.StatusCode, &out, nil
}

func main() {
	var (
		base    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:          "askcheck [question...]",
		Short:        "Send questions to a running askrelay and print the replies",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			questions := args
			if len(questions) == 0 {
				questions = []string{"hello", "cuándo debo evacuar"}
			}
			failed := 0
			for _, q := range questions {
				status, res, err := ask(base, q, timeout)
				switch {
				case err != nil:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%q -> error: %v\n", q, err)
				case status != http.StatusOK:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%q -> %d: %s\n", q, status, res.Detail)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%q -> %s\n", q, res.Response)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d questions failed", failed, len(questions))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&base, "url", envOr("ASKRELAY_URL", "http://localhost:8000"), "relay base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "per-request timeout")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
