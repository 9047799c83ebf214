// admissioncl is a command-line client for a running admission daemon's
// debug endpoints.
package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/sethgrid/pester"
	"github.com/spf13/cobra"
)

var addr string

func main() {
	rootCmd := &cobra.Command{
		Use:   "admissioncl",
		Short: "admissioncl is a command-line client to the admission daemon",
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "localhost:25010", "daemon debug http address")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "pools [pool]",
		Short: "dump pool admission state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := "http://" + addr + "/admission/pools.json"
			if len(args) == 1 {
				u += "?pool=" + url.QueryEscape(args[0])
			}
			return get(u)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "backends",
		Short: "dump per-host reserved and admitted memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get("http://" + addr + "/admission/backends.json")
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "dump rendered metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return get("http://" + addr + "/admin/metrics.json?pretty=true")
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset [pool]",
		Short: "reset informational stats for one pool or all pools",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := "http://" + addr + "/admission/reset_stats"
			if len(args) == 1 {
				u += "?pool=" + url.QueryEscape(args[0])
			}
			resp, err := pester.Post(u, "text/plain", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func get(u string) error {
	client := pester.New()
	client.MaxRetries = 3
	resp, err := client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(os.Stdout, resp.Body)
	fmt.Println()
	return err
}
