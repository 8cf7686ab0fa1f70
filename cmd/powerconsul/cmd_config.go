package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"powerconsul-go/pkg/config"
)

// bootstrapOptions are the flags of config bootstrap.
type bootstrapOptions struct {
	document   string
	address    string
	scheme     string
	datacenter string
	token      string
	nodeFilter string
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or show the powerconsul configuration",
	}
	cmd.AddCommand(newConfigBootstrapCmd(), newConfigShowCmd())
	return cmd
}

func newConfigBootstrapCmd() *cobra.Command {
	opts := &bootstrapOptions{}
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Write a config file from flags or a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := opts.read(os.Stdin)
			if err != nil {
				return err
			}
			cfg, err := config.FromDocument(doc)
			if err != nil {
				return err
			}
			if err := config.Save(cfg, configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.document, "json", "", "JSON config document, or - to read it from stdin")
	cmd.Flags().StringVar(&opts.address, "consul-address", "", "Consul agent address")
	cmd.Flags().StringVar(&opts.scheme, "consul-scheme", "", "Consul agent scheme")
	cmd.Flags().StringVar(&opts.datacenter, "datacenter", "", "local datacenter (default: ask the agent)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Consul ACL token")
	cmd.Flags().StringVar(&opts.nodeFilter, "service-filter", "", "only consider health from nodes matching this regex")
	return cmd
}

// read returns the document to bootstrap from: the --json document when
// given, otherwise one built from the individual flags.
func (o *bootstrapOptions) read(stdin io.Reader) ([]byte, error) {
	switch o.document {
	case "-":
		return io.ReadAll(stdin)
	case "":
	default:
		return []byte(o.document), nil
	}

	consul := map[string]string{}
	for k, v := range map[string]string{
		"address":    o.address,
		"scheme":     o.scheme,
		"datacenter": o.datacenter,
		"token":      o.token,
	} {
		if v != "" {
			consul[k] = v
		}
	}
	doc := map[string]interface{}{"consul": consul}
	if o.nodeFilter != "" {
		doc["service_filter"] = o.nodeFilter
	}
	return json.Marshal(doc)
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Redacted()
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(out)
			return nil
		},
	}
}
