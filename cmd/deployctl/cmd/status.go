package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/edgeforge/deployd/pkg/model"
)

var statusCmd = &cobra.Command{
	Use:   "status <deployment-id>",
	Short: "Show the latest status of one deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var up model.StatusUpdate
		if err := call(http.MethodGet, apiURL("/deployments/"+args[0]+"/status"), nil, &up); err != nil {
			return err
		}
		printUpdate(up)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every deployment the daemon knows about",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Deployments []model.StatusUpdate `json:"deployments"`
		}
		if err := call(http.MethodGet, apiURL("/deployments"), nil, &body); err != nil {
			return err
		}
		if len(body.Deployments) == 0 {
			fmt.Println("no deployments")
			return nil
		}
		for _, up := range body.Deployments {
			printUpdate(up)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
}
