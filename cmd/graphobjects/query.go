package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/orneryd/graphobjects/pkg/audit"
	"github.com/orneryd/graphobjects/pkg/cache"
	"github.com/orneryd/graphobjects/pkg/convert"
	"github.com/orneryd/graphobjects/pkg/factory"
	"github.com/orneryd/graphobjects/pkg/graph"
	"github.com/orneryd/graphobjects/pkg/search"
	"github.com/orneryd/graphobjects/pkg/storage"
)

func queryCommands() []*cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list TYPE",
		Short: "List the nodes of a type",
		Args:  cobra.ExactArgs(1),
		RunE:  runList,
	}
	addPagingFlags(listCmd)

	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search nodes by type, properties, ranges and fulltext",
		RunE:  runSearch,
	}
	f := searchCmd.Flags()
	f.String("type", "", "Node type (includes subtypes)")
	f.StringArray("where", nil, "Exact match key=value")
	f.StringArray("like", nil, "Case-insensitive substring match key=value")
	f.StringArray("not", nil, "Exclude exact matches key=value")
	f.StringArray("range", nil, "Inclusive range key=from..to; either side may be empty")
	f.String("text", "", "Fulltext query")
	f.String("text-key", "", "Restrict the fulltext query to one property")
	f.String("sort", "", "Sort by property")
	f.Bool("desc", false, "Sort descending")
	addPagingFlags(searchCmd)

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the change log",
		RunE:  runAudit,
	}
	f = auditCmd.Flags()
	f.String("entity", "", "Entity uuid")
	f.String("entity-type", "", "Entity type")
	f.String("action", "", "create, update or delete")
	f.String("tx", "", "Transaction id")
	f.String("by", "", "User uuid")
	f.Duration("since", 0, "Only events younger than this")
	f.Int("limit", 50, "Maximum events")
	f.Int("offset", 0, "Events to skip")

	return []*cobra.Command{listCmd, searchCmd, auditCmd}
}

func addPagingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("page", 1, "Page number; negative pages count from the end")
	f.Int("page-size", 0, "Page size (0 for all)")
	f.String("offset-id", "", "Start the page at the node with this uuid")
	f.Bool("exclude-hidden", false, "Skip deleted and hidden nodes")
	f.Bool("public-only", false, "Only nodes visible to public users")
	f.String("view", graph.ViewPublic, "Property view: public or all")
}

func profileFromFlags(cmd *cobra.Command, sc *graph.SecurityContext) factory.Profile {
	f := cmd.Flags()
	p := factory.DefaultProfile(sc)
	p.Page, _ = f.GetInt("page")
	p.PageSize, _ = f.GetInt("page-size")
	p.OffsetID, _ = f.GetString("offset-id")
	p.PublicOnly, _ = f.GetBool("public-only")
	p.PropertyView, _ = f.GetString("view")
	if exclude, _ := f.GetBool("exclude-hidden"); exclude {
		p.IncludeDeletedAndHidden = false
	}
	return p
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	typeName := args[0]
	if !a.db.Registry().HasType(typeName) {
		return fmt.Errorf("%w: %q", factory.ErrUnknownType, typeName)
	}

	profile := profileFromFlags(cmd, a.sc)
	return a.db.Read(cmd.Context(), a.sc, func(tx *graph.Tx) error {
		ids, err := a.typeIDs(tx, typeName)
		if err != nil {
			return err
		}
		res, err := factory.Nodes(tx, profile, typeName).InstantiateHits(factory.IDs(ids))
		if err != nil {
			return err
		}
		return renderNodes(cmd.OutOrStdout(), res)
	})
}

// typeIDs reads the ids of a type through the result cache.
func (a *app) typeIDs(tx *graph.Tx, typeName string) ([]storage.NodeID, error) {
	key := cache.NewKey("type-ids", typeName)
	if a.results != nil {
		if v, ok := a.results.Get(key); ok {
			return v.([]storage.NodeID), nil
		}
	}
	ids, err := tx.NodeIDsByType(typeName)
	if err != nil {
		return nil, err
	}
	if a.results != nil {
		a.results.Put(key, ids, typeName)
	}
	return ids, nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	group, err := searchGroup(cmd)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if text, _ := cmd.Flags().GetString("text"); text != "" {
		if err := a.rebuildIndex(cmd.Context()); err != nil {
			return fmt.Errorf("building fulltext index: %w", err)
		}
	}

	req := search.Request{Query: group}
	req.SortKey, _ = cmd.Flags().GetString("sort")
	req.SortDescending, _ = cmd.Flags().GetBool("desc")
	profile := profileFromFlags(cmd, a.sc)

	return a.db.Read(cmd.Context(), a.sc, func(tx *graph.Tx) error {
		hits, err := search.NewSearcher(tx, a.index).Search(req)
		if err != nil {
			return err
		}
		res, err := factory.Nodes(tx, profile, "").InstantiateHits(hits)
		if err != nil {
			return err
		}
		return renderNodes(cmd.OutOrStdout(), res)
	})
}

func searchGroup(cmd *cobra.Command) (*search.Group, error) {
	f := cmd.Flags()
	group := search.NewGroup(search.Must)

	if t, _ := f.GetString("type"); t != "" {
		group.Add(search.Type(search.Must, t))
	}
	for _, fl := range []struct {
		flag string
		build func(k, v string) search.Attribute
	}{
		{"where", func(k, v string) search.Attribute { return search.Property(search.Must, k, v) }},
		{"like", func(k, v string) search.Attribute { return search.PropertyLike(search.Must, k, v) }},
		{"not", func(k, v string) search.Attribute { return search.Property(search.MustNot, k, v) }},
		{"range", func(k, v string) search.Attribute {
			from, to, _ := strings.Cut(v, "..")
			return search.Range(search.Must, k, rangeBound(from), rangeBound(to))
		}},
	} {
		values, _ := f.GetStringArray(fl.flag)
		for _, kv := range values {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("--%s: expected key=value, got %q", fl.flag, kv)
			}
			if fl.flag == "range" && !strings.Contains(v, "..") {
				return nil, fmt.Errorf("--range: expected key=from..to, got %q", kv)
			}
			group.Add(fl.build(k, v))
		}
	}
	if text, _ := f.GetString("text"); text != "" {
		key, _ := f.GetString("text-key")
		group.Add(search.Fulltext(search.Must, key, text))
	}
	return group, nil
}

// rangeBound reads numbers as numbers so ranges over integer properties
// compare numerically. Empty means open.
func rangeBound(s string) any {
	if s == "" {
		return nil
	}
	if n, ok := convert.ToFloat64(s); ok {
		return n
	}
	return s
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.AuditLog == "" {
		return errors.New("no audit log configured (set auditLog or GRAPHOBJECTS_AUDIT_LOG)")
	}

	f := cmd.Flags()
	q := audit.Query{}
	q.ResourceID, _ = f.GetString("entity")
	q.EntityType, _ = f.GetString("entity-type")
	q.TxID, _ = f.GetString("tx")
	q.UserID, _ = f.GetString("by")
	q.Limit, _ = f.GetInt("limit")
	q.Offset, _ = f.GetInt("offset")
	if action, _ := f.GetString("action"); action != "" {
		q.Actions = []audit.Action{audit.Action(action)}
	}
	if since, _ := f.GetDuration("since"); since > 0 {
		q.StartTime = time.Now().Add(-since)
	}

	res, err := audit.NewReader(cfg.AuditLog).Query(q)
	if err != nil {
		return err
	}
	return renderEvents(cmd.OutOrStdout(), res)
}

func renderNodes(w io.Writer, res *factory.Result[*graph.Node]) error {
	var columns []string
	seen := map[string]bool{}
	for _, n := range res.Items {
		for _, k := range n.PropertyKeys(res.PropertyView) {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}

	if len(columns) > 0 {
		table := tablewriter.NewWriter(w)
		header := make([]any, len(columns))
		for i, c := range columns {
			header[i] = c
		}
		table.Header(header...)
		for _, n := range res.Items {
			row := make([]any, len(columns))
			for i, c := range columns {
				row[i] = formatValue(n.Property(c))
			}
			if err := table.Append(row...); err != nil {
				return err
			}
		}
		if err := table.Render(); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d of %d\n", res.Len(), res.Total)
	return err
}

func renderEvents(w io.Writer, res *audit.QueryResult) error {
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Tx", "Action", "Resource", "Type", "UUID", "Keys")
	for _, e := range res.Events {
		err := table.Append(
			e.Timestamp.Format(time.RFC3339),
			shortID(e.TxID),
			string(e.Action),
			e.Resource,
			e.EntityType,
			e.ResourceID,
			strings.Join(e.Keys, ","),
		)
		if err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	more := ""
	if res.HasMore {
		more = ", more available"
	}
	_, err := fmt.Fprintf(w, "%d of %d events%s\n", len(res.Events), res.TotalCount, more)
	return err
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case time.Time:
		return val.Format(time.RFC3339)
	}
	s, _ := convert.ToString(v)
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
