package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Attach and detach VMs",
}

var vmAttachCmd = &cobra.Command{
	Use:   "attach NAME --bridge BRIDGE",
	Short: "Attach a VM to a Ready bridge and publish its DNS record",
	Args:  cobra.ExactArgs(1),
	RunE:  vmAttach,
}

var vmDetachCmd = &cobra.Command{
	Use:   "detach NAME --bridge BRIDGE",
	Short: "Release a VM's address and withdraw its DNS record",
	Args:  cobra.ExactArgs(1),
	RunE:  vmDetach,
}

var vmFlags = struct {
	bridge  string
	address string
}{}

func init() {
	rootCmd.AddCommand(vmCmd)
	vmCmd.AddCommand(vmAttachCmd, vmDetachCmd)

	for _, cmd := range []*cobra.Command{vmAttachCmd, vmDetachCmd} {
		cmd.Flags().StringVar(&vmFlags.bridge, "bridge", "", "bridge name")
		cmd.MarkFlagRequired("bridge")
	}
	vmAttachCmd.Flags().StringVar(&vmFlags.address, "address", "", "address to use; allocated when empty")
}

func vmAttach(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	att, err := c.Attach(cmd.Context(), args[0], vmFlags.bridge, vmFlags.address)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s attached to %s with %s\n", att.VMName, att.BridgeName, att.Address)
	return nil
}

func vmDetach(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.Detach(cmd.Context(), args[0], vmFlags.bridge); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s detached from %s\n", args[0], vmFlags.bridge)
	return nil
}
