package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeforge/deployd/pkg/model"
)

var (
	applyID   string
	applyWait bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <document>",
	Short: "Submit a deployment document, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		submitURL := apiURL("/deployments")
		if applyID != "" {
			submitURL += "?id=" + url.QueryEscape(applyID)
		}

		var acc struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := call(http.MethodPost, submitURL, raw, &acc); err != nil {
			return err
		}
		fmt.Printf("deployment %s %s\n", acc.ID, acc.Status)

		if !applyWait {
			return nil
		}
		return followDeployment(acc.ID)
	},
}

// followDeployment long-polls until the deployment reaches a terminal
// status, printing each transition.
func followDeployment(id string) error {
	for {
		var up model.StatusUpdate
		if err := call(http.MethodGet, apiURL("/deployments/"+id+"/status"), nil, &up); err != nil {
			return err
		}
		if up.Status.Terminal() {
			printUpdate(up)
			if up.Status != model.StatusSucceeded {
				return fmt.Errorf("deployment %s %s", id, up.Status)
			}
			return nil
		}
		if err := call(http.MethodGet, apiURL("/deployments/"+id+"/watch?wait=30s"), nil, &up); err != nil {
			return err
		}
		if up.DeploymentID != "" {
			printUpdate(up)
		}
	}
}

func printUpdate(up model.StatusUpdate) {
	line := fmt.Sprintf("deployment %s %s", up.DeploymentID, up.Status)
	if up.Detail != "" {
		line += " (" + string(up.Detail) + ")"
	}
	if up.Message != "" {
		line += ": " + up.Message
	}
	fmt.Println(line)
	for _, frame := range up.ErrorStack {
		fmt.Println("  " + frame)
	}
}

func init() {
	applyCmd.Flags().StringVar(&applyID, "id", "", "deployment id (defaults to the document's id or a fresh UUID)")
	applyCmd.Flags().BoolVarP(&applyWait, "wait", "w", false, "wait until the deployment finishes")
	rootCmd.AddCommand(applyCmd)
}
