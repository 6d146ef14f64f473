package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	"github.com/jbweber/homelab/vmnetd/internal/domain"
)

func printObject(w io.Writer, format string, v any) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "json":
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func printBridges(w io.Writer, bridges []domain.Resource) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tZONE\tPHASE\tGENERATION\tMESSAGE")
	for _, b := range bridges {
		var address, zone string
		if spec, ok := b.Spec.(*domain.BridgeSpec); ok {
			address, zone = spec.Address, spec.DNSZone
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			b.Metadata.Name, address, zone, b.Status.Phase,
			b.Status.ObservedGeneration, b.Metadata.Generation, b.Status.Message)
	}
	return tw.Flush()
}
