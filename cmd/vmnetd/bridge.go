package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Manage bridges",
}

var bridgeApplyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Create or update resources from a YAML or JSON manifest",
	Args:  cobra.NoArgs,
	RunE:  bridgeApply,
}

var bridgeGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Show a bridge and its status",
	Args:  cobra.ExactArgs(1),
	RunE:  bridgeGet,
}

var bridgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bridges",
	Args:  cobra.NoArgs,
	RunE:  bridgeList,
}

var bridgeDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a bridge",
	Args:  cobra.ExactArgs(1),
	RunE:  bridgeDelete,
}

var bridgeWaitCmd = &cobra.Command{
	Use:   "wait NAME",
	Short: "Wait for a bridge to reach a phase",
	Args:  cobra.ExactArgs(1),
	RunE:  bridgeWait,
}

var bridgeFlags = struct {
	file    string
	wait    bool
	phase   string
	timeout time.Duration
	output  string
}{}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.AddCommand(bridgeApplyCmd, bridgeGetCmd, bridgeListCmd, bridgeDeleteCmd, bridgeWaitCmd)

	bridgeApplyCmd.Flags().StringVarP(&bridgeFlags.file, "file", "f", "", "manifest file, - for stdin")
	bridgeApplyCmd.MarkFlagRequired("file")
	bridgeApplyCmd.Flags().BoolVar(&bridgeFlags.wait, "wait", false, "wait until every applied resource is Ready")

	bridgeDeleteCmd.Flags().BoolVar(&bridgeFlags.wait, "wait", false, "wait until the bridge is gone")

	bridgeWaitCmd.Flags().StringVar(&bridgeFlags.phase, "phase", string(domain.PhaseReady), "phase to wait for")

	for _, cmd := range []*cobra.Command{bridgeApplyCmd, bridgeDeleteCmd, bridgeWaitCmd} {
		cmd.Flags().DurationVar(&bridgeFlags.timeout, "timeout", 60*time.Second, "how long to wait")
	}
	bridgeGetCmd.Flags().StringVarP(&bridgeFlags.output, "output", "o", "yaml", "output format: yaml or json")
}

func bridgeApply(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	var data []byte
	if bridgeFlags.file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(bridgeFlags.file)
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	manifests, err := parseManifests(data)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, res := range manifests {
		stored, created, err := c.Apply(cmd.Context(), res)
		if err != nil {
			return fmt.Errorf("%s: %w", res.Key(), err)
		}
		verb := "applied"
		if created {
			verb = "created"
		}
		fmt.Fprintf(out, "%s %s\n", stored.Key(), verb)
	}

	if !bridgeFlags.wait {
		return nil
	}
	for _, res := range manifests {
		stored, err := c.WaitForPhase(cmd.Context(), res.Kind, res.Metadata.Name, domain.PhaseReady, bridgeFlags.timeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", stored.Key(), stored.Status.Phase)
	}
	return nil
}

// parseManifests splits a YAML stream into documents and decodes each.
func parseManifests(data []byte) ([]domain.Resource, error) {
	var out []domain.Resource
	for i, doc := range splitDocuments(data) {
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		js, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		var res domain.Resource
		if err := json.Unmarshal(js, &res); err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		out = append(out, res)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("manifest contains no resources")
	}
	return out, nil
}

// splitDocuments cuts data at "---" separator lines. A separator may carry
// a trailing comment but nothing else.
func splitDocuments(data []byte) [][]byte {
	var (
		docs    [][]byte
		current []byte
	)
	for _, line := range bytes.SplitAfter(data, []byte("\n")) {
		if isDocumentSeparator(line) {
			docs = append(docs, current)
			current = nil
			continue
		}
		current = append(current, line...)
	}
	return append(docs, current)
}

func isDocumentSeparator(line []byte) bool {
	line = bytes.TrimRight(line, " \t\r\n")
	if !bytes.HasPrefix(line, []byte("---")) {
		return false
	}
	rest := line[3:]
	if len(rest) == 0 {
		return true
	}
	return (rest[0] == ' ' || rest[0] == '\t') && bytes.HasPrefix(bytes.TrimLeft(rest, " \t"), []byte("#"))
}

func bridgeGet(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.GetBridge(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printObject(cmd.OutOrStdout(), bridgeFlags.output, res)
}

func bridgeList(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	bridges, err := c.ListBridges(cmd.Context())
	if err != nil {
		return err
	}
	return printBridges(cmd.OutOrStdout(), bridges)
}

func bridgeDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := c.DeleteBridge(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s deletion requested\n", domain.KindBridge, args[0])

	if !bridgeFlags.wait {
		return nil
	}
	if err := c.WaitForDeletion(cmd.Context(), domain.KindBridge, args[0], bridgeFlags.timeout); err != nil {
		return fmt.Errorf("waiting for deletion: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s deleted\n", domain.KindBridge, args[0])
	return nil
}

func bridgeWait(cmd *cobra.Command, args []string) error {
	phase := domain.Phase(bridgeFlags.phase)
	if !phase.Valid() {
		return fmt.Errorf("unknown phase %q", bridgeFlags.phase)
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	res, err := c.WaitForPhase(cmd.Context(), domain.KindBridge, args[0], phase, bridgeFlags.timeout)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", res.Key(), res.Status.Phase)
	return nil
}
