package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <deployment-id>",
	Short: "Cancel a queued or running deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var acc struct {
			ID       string `json:"id"`
			Canceled bool   `json:"canceled"`
		}
		if err := call(http.MethodPost, apiURL("/deployments/"+args[0]+"/cancel"), nil, &acc); err != nil {
			return err
		}
		fmt.Printf("deployment %s canceled\n", acc.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
