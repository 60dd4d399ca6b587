package node

import (
	"cmp"
	"errors"
	"fmt"

	"nodefleet/cmd/fleet/cmdutil"
	"nodefleet/cmd/fleet/ui"
	"nodefleet/internal/template"

	"github.com/spf13/cobra"
)

func allocateCmd(flags *cmdutil.Flags) *cobra.Command {
	var (
		file        string
		clusterName string
		parent      string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "allocate [name]",
		Short: "Allocate nodes from a template or by name",
		Long: "Allocate the nodes described in an HCL template (-f), or a single bare node by name.\n" +
			"Nodes that name no cluster go to --cluster or the context's default cluster.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var nodes []template.Node
			switch {
			case file != "" && len(args) > 0:
				return fmt.Errorf("give either a node name or --file, not both")
			case file != "":
				parsed, err := template.ParseFile(file)
				if err != nil {
					return err
				}
				nodes = parsed
			case len(args) == 1:
				nodes = []template.Node{{Name: args[0], Parent: parent, Tags: tags}}
			default:
				return fmt.Errorf("a node name or --file is required")
			}

			client, err := cmdutil.Dial(flags)
			if err != nil {
				return err
			}
			defer client.Close()

			var errs []error
			for _, n := range nodes {
				target, err := client.Target.ClusterName(cmp.Or(n.Cluster, clusterName))
				if err != nil {
					return err
				}
				alloc, err := client.Allocator(target)
				if err != nil {
					return err
				}

				res := alloc.Allocate(cmd.Context(), n.Request())
				if !res.OK() {
					fmt.Println(ui.ErrorMsg("%s on %s: %v", ui.Bold(n.Name), target, res.Err))
					errs = append(errs, fmt.Errorf("allocate %s: %w", n.Name, res.Err))
					continue
				}
				fmt.Println(ui.SuccessMsg("Allocated %s on %s.", ui.Bold(res.Node), ui.Accent(target)))
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "HCL node template")
	cmd.Flags().StringVar(&clusterName, "cluster", "", "Cluster to allocate on")
	cmd.Flags().StringVar(&parent, "parent", "", "Parent node")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Node tag (repeatable)")
	return cmd
}
