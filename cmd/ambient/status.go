package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/ambient/internal/config"
	"github.com/neboloop/ambient/internal/learning"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and scheduler state of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Get("http://" + cfg.Server.Addr + "/api/v1/status")
		if err != nil {
			return fmt.Errorf("daemon not reachable at %s: %w", cfg.Server.Addr, err)
		}
		defer resp.Body.Close()

		var st learning.Status
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}

		fmt.Printf("state:        %s\n", st.State)
		fmt.Printf("pending:      %d\n", st.PendingCount)
		fmt.Printf("running:      %v\n", st.IsRunning)
		fmt.Printf("ui active:    %v\n", st.UIActive)
		if st.LastError != "" {
			fmt.Printf("last error:   %s\n", st.LastError)
		}
		return nil
	},
}
