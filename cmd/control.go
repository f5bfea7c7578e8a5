package main

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cwbudde/demonsreg/internal/server"
	"github.com/spf13/cobra"
)

var (
	stepCount int
	stepWait  bool

	inspectBuffer string
	inspectX      int
	inspectY      int
)

var stepCmd = &cobra.Command{
	Use:   "step <session-id>",
	Short: "Run iterations on a server session",
	Long: `Starts n iterations on a server session. The request returns at once;
--wait polls until the run has ended and prints the session status.`,
	Args: cobra.ExactArgs(1),
	RunE: runStep,
}

var resetCmd = &cobra.Command{
	Use:   "reset <session-id>",
	Short: "Zero the displacement field of a server session",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print one pixel of a session buffer",
	Long: `Prints every channel of pixel (x, y) of a named buffer: fixed, moving, r,
dr, displaced, fixedSmoothed, fixedGradient, movingGradient, difference, A, B.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	addServerFlag(stepCmd)
	stepCmd.Flags().IntVarP(&stepCount, "count", "n", 1, "Number of iterations")
	stepCmd.Flags().BoolVar(&stepWait, "wait", false, "Wait for the run to finish")

	addServerFlag(resetCmd)

	addServerFlag(inspectCmd)
	inspectCmd.Flags().StringVar(&inspectBuffer, "buffer", "r", "Buffer name")
	inspectCmd.Flags().IntVar(&inspectX, "x", 0, "Pixel column")
	inspectCmd.Flags().IntVar(&inspectY, "y", 0, "Pixel row")

	rootCmd.AddCommand(stepCmd, resetCmd, inspectCmd)
}

func runStep(cmd *cobra.Command, args []string) error {
	id := args[0]
	url := sessionURL(id, "step") + "?n=" + strconv.Itoa(stepCount)

	var session server.Session
	if err := callAPI(http.MethodPost, url, http.StatusAccepted, &session); err != nil {
		return err
	}
	fmt.Printf("Started %d iteration(s) on %s at iteration %d\n", stepCount, id, session.Iterations)

	if !stepWait {
		return nil
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		status, err := fetchStatus(id)
		if err != nil {
			return err
		}
		if status.State != server.StateRunning {
			printStatus(status)
			if status.State == server.StateFailed {
				return fmt.Errorf("run failed: %s", status.Error)
			}
			return nil
		}
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	var session server.Session
	if err := callAPI(http.MethodPost, sessionURL(args[0], "reset"), http.StatusOK, &session); err != nil {
		return err
	}
	fmt.Printf("Reset displacement field of %s (iteration %d)\n", session.ID, session.Iterations)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s?buffer=%s&x=%d&y=%d", sessionURL(args[0], "inspect"), inspectBuffer, inspectX, inspectY)

	var result struct {
		Buffer string    `json:"buffer"`
		X      int       `json:"x"`
		Y      int       `json:"y"`
		Values []float64 `json:"values"`
	}
	if err := callAPI(http.MethodGet, url, http.StatusOK, &result); err != nil {
		return err
	}
	fmt.Printf("%s(%d,%d) = %v\n", result.Buffer, result.X, result.Y, result.Values)
	return nil
}
