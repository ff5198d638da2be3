package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/relation"
)

func nodeCommands() []*cobra.Command {
	createCmd := &cobra.Command{
		Use:   "create TYPE [key=value ...]",
		Short: "Create a node and print its uuid",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCreate,
	}

	setCmd := &cobra.Command{
		Use:   "set UUID [key=value ...]",
		Short: "Set or remove node properties",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSet,
	}
	setCmd.Flags().StringSlice("unset", nil, "Properties to remove")

	deleteCmd := &cobra.Command{
		Use:   "delete UUID",
		Short: "Delete a node, its relationships and its cascade",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	return []*cobra.Command{createCmd, setCmd, deleteCmd}
}

func runCreate(cmd *cobra.Command, args []string) error {
	props, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var id string
	err = a.db.Transact(cmd.Context(), a.sc, func(tx *graph.Tx) error {
		n, err := tx.CreateNode(args[0], props)
		if err != nil {
			return err
		}
		id = n.UUID()
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	props, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	unset, _ := cmd.Flags().GetStringSlice("unset")
	if len(props) == 0 && len(unset) == 0 {
		return fmt.Errorf("nothing to change")
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.db.Transact(cmd.Context(), a.sc, func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(args[0])
		if err != nil {
			return fmt.Errorf("node %s: %w", args[0], err)
		}
		if !a.sc.IsAllowed(n, graph.PermissionWrite) {
			return fmt.Errorf("node %s: write not allowed", args[0])
		}
		for _, k := range sortedKeys(props) {
			if err := n.SetProperty(k, props[k]); err != nil {
				return err
			}
		}
		for _, k := range unset {
			if err := n.RemoveProperty(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.db.Transact(cmd.Context(), a.sc, func(tx *graph.Tx) error {
		n, err := tx.NodeByUUID(args[0])
		if err != nil {
			return fmt.Errorf("node %s: %w", args[0], err)
		}
		if !a.sc.IsAllowed(n, graph.PermissionDelete) {
			return fmt.Errorf("node %s: delete not allowed", args[0])
		}
		return tx.DeleteNode(n)
	})
}

func relationCommands() []*cobra.Command {
	linkCmd := &cobra.Command{
		Use:   "link TYPE.PROPERTY SOURCE TARGET [key=value ...]",
		Short: "Relate two nodes through a relation property",
		Args:  cobra.MinimumNArgs(3),
		RunE:  runLink,
	}
	unlinkCmd := &cobra.Command{
		Use:   "unlink TYPE.PROPERTY SOURCE TARGET",
		Short: "Remove relationships created through a relation property",
		Args:  cobra.ExactArgs(3),
		RunE:  runUnlink,
	}
	return []*cobra.Command{linkCmd, unlinkCmd}
}

func lookupRelation(a *app, ref string) (*relation.Property, error) {
	for i := len(ref) - 1; i > 0; i-- {
		if ref[i] == '.' {
			return relation.Lookup(a.db.Registry(), ref[:i], ref[i+1:], a.log)
		}
	}
	return nil, fmt.Errorf("expected TYPE.PROPERTY, got %q", ref)
}

func runLink(cmd *cobra.Command, args []string) error {
	props, err := parseAssignments(args[3:])
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := lookupRelation(a, args[0])
	if err != nil {
		return err
	}
	return p.Link(cmd.Context(), a.db, a.sc, args[1], args[2], props)
}

func runUnlink(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := lookupRelation(a, args[0])
	if err != nil {
		return err
	}
	return p.Unlink(cmd.Context(), a.db, a.sc, args[1], args[2])
}
