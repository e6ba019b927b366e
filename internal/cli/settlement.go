package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var rpcAddr string

// settlementCmd groups the operator commands that drive a running daemon.
var settlementCmd = &cobra.Command{
	Use:   "settlement",
	Short: "Settlement operator commands",
	Long:  `Query and drive the settlement lifecycle of a running hived daemon.`,
}

var disputeCmd = &cobra.Command{
	Use:   "dispute",
	Short: "Dispute arbitration commands",
}

func init() {
	rootCmd.AddCommand(settlementCmd)
	rootCmd.AddCommand(disputeCmd)
	rootCmd.AddCommand(membersCmd)

	rootCmd.PersistentFlags().StringVar(&rpcAddr, "rpc", "http://127.0.0.1:8632/rpc", "daemon RPC endpoint")

	settlementCmd.AddCommand(
		calculateCmd,
		executeCmd,
		historyCmd,
		periodCmd,
		listOffersCmd,
		generateOfferCmd,
	)
	disputeCmd.AddCommand(disputeListCmd, disputeCaseCmd)

	calculateCmd.Flags().Bool("dry-run", false, "derive balances without freezing the period")
	executeCmd.Flags().Bool("dry-run", false, "report what would execute without paying")
}

// callRPC posts one JSON-RPC request to the daemon and pretty-prints the
// result object.
func callRPC(method string, params map[string]interface{}) error {
	request := map[string]interface{}{"method": method}
	if params != nil {
		request["params"] = []interface{}{params}
	}
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(rpcAddr, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("calling %s: %w", rpcAddr, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var decoded struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("unexpected response: %s", raw)
	}

	pretty, err := json.MarshalIndent(decoded.Result, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", decoded.Result)
		return nil
	}
	fmt.Println(string(pretty))

	if status, _ := decoded.Result["status"].(string); status == "error" {
		return fmt.Errorf("%v: %v", decoded.Result["error"], decoded.Result["error_message"])
	}
	return nil
}

func periodParam(cmd *cobra.Command, args []string) map[string]interface{} {
	params := map[string]interface{}{}
	if len(args) > 0 {
		params["period_id"] = args[0]
	}
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		params["dry_run"] = true
	}
	return params
}

var calculateCmd = &cobra.Command{
	Use:   "calculate [period_id]",
	Short: "Run the fair-share calculation for a period",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("settlement_calculate", periodParam(cmd, args))
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute [period_id]",
	Short: "Execute the approved payment legs of a ready period",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("settlement_execute", periodParam(cmd, args))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List all persisted settlement periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("settlement_history", nil)
	},
}

var periodCmd = &cobra.Command{
	Use:   "period <period_id>",
	Short: "Show one period with its snapshot and journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("settlement_period", map[string]interface{}{"period_id": args[0]})
	},
}

var listOffersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List registered payment offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("settlement_list_offers", nil)
	},
}

var generateOfferCmd = &cobra.Command{
	Use:   "generate-offer [reference]",
	Short: "Register the local node's payment offer",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]interface{}{}
		if len(args) > 0 {
			params["reference"] = args[0]
		}
		return callRPC("settlement_generate_offer", params)
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Show hive members with bonds and credit tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("hive_members", nil)
	},
}

var disputeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending dispute cases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("dispute_list", nil)
	},
}

var disputeCaseCmd = &cobra.Command{
	Use:   "case <case_id>",
	Short: "Show one dispute case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return callRPC("dispute_case", map[string]interface{}{"case_id": args[0]})
	},
}
