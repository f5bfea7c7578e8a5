package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/demonsreg/internal/server"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Query server sessions",
	Long: `Queries the server for session status information.
If no session-id is provided, lists all sessions.
If session-id is provided, shows detailed status for that session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	addServerFlag(statusCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listSessions()
	}
	return showSessionStatus(args[0])
}

func listSessions() error {
	var sessions []server.Session
	url := strings.TrimRight(serverURL, "/") + "/api/v1/sessions"
	if err := callAPI(http.MethodGet, url, http.StatusOK, &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	fmt.Printf("Found %d session(s):\n\n", len(sessions))
	for _, s := range sessions {
		fmt.Printf("Session ID: %s\n", s.ID)
		fmt.Printf("  State: %s\n", s.State)
		fmt.Printf("  Images: %s -> %s (%dx%d)\n", s.Config.MovingPath, s.Config.FixedPath, s.Config.Width, s.Config.Height)
		fmt.Printf("  Iterations: %d\n", s.Iterations)
		if s.InitialCost > 0 {
			fmt.Printf("  Cost: %.4f -> %.4f\n", s.InitialCost, s.Cost)
		}
		fmt.Println()
	}
	return nil
}

// sessionStatus is the GET .../status response.
type sessionStatus struct {
	server.Session
	Improvement float64 `json:"improvement"`
	Elapsed     float64 `json:"elapsed"`
}

func fetchStatus(id string) (*sessionStatus, error) {
	var status sessionStatus
	if err := callAPI(http.MethodGet, sessionURL(id, "status"), http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func showSessionStatus(id string) error {
	status, err := fetchStatus(id)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}

func printStatus(status *sessionStatus) {
	fmt.Printf("Session: %s\n", status.ID)
	fmt.Printf("State: %s\n", status.State)
	if status.ResumedFrom != "" {
		fmt.Printf("Resumed from: %s\n", status.ResumedFrom)
	}
	fmt.Println()

	c := status.Config
	fmt.Println("Configuration:")
	fmt.Printf("  Fixed: %s\n", c.FixedPath)
	fmt.Printf("  Moving: %s\n", c.MovingPath)
	fmt.Printf("  Size: %dx%d\n", c.Width, c.Height)
	fmt.Printf("  Sigmas: image %g, gradient %g, dr %g, r %g\n",
		c.Params.ImageSigma, c.Params.GradientSigma, c.Params.DrSigma, c.Params.RSigma)
	fmt.Printf("  Scale: %g, Delta: %g\n", c.Params.Scale, c.Params.Delta)
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Iterations: %d\n", status.Iterations)
	if status.InitialCost > 0 {
		fmt.Printf("  Initial Cost: %.4f\n", status.InitialCost)
		fmt.Printf("  Cost: %.4f\n", status.Cost)
		fmt.Printf("  Improvement: %.1f%%\n", status.Improvement)
	}
	fmt.Printf("  Max Displacement: %.3f\n", status.MaxDisplacement)
	if status.Elapsed > 0 {
		elapsed := time.Duration(status.Elapsed * float64(time.Second))
		fmt.Printf("  Last Run: %s\n", elapsed.Round(time.Millisecond))
	}

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}
}
