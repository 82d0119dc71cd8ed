package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

func requireID(name string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("-%s is required", name)
	}
	return nil
}

func newTenantCommand(root *Command) *Command {
	cmd := newSubcommand(root, "tenant", "Show a tenant")
	id := cmd.Flags.Int64("id", 0, "Tenant ID (required)")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("id", *id); err != nil {
			return err
		}
		data, err := root.client().Do(context.Background(), http.MethodGet, fmt.Sprintf("/tenants/%d", *id), nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.out, data)
	}
	return cmd
}

func newQuotasCommand(root *Command) *Command {
	cmd := newSubcommand(root, "quotas", "Show quota usage for a tenant")
	id := cmd.Flags.Int64("tenant", 0, "Tenant ID (required)")
	kind := cmd.Flags.String("kind", "", "Single quota kind (admin_seats, sub_organizations, ...)")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("tenant", *id); err != nil {
			return err
		}
		path := fmt.Sprintf("/tenants/%d/quotas", *id)
		if *kind != "" {
			path += "/" + url.PathEscape(*kind)
		}
		data, err := root.client().Do(context.Background(), http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.out, data)
	}
	return cmd
}

// newTransitionCommand builds suspend, unsuspend and archive, which share a request shape
func newTransitionCommand(root *Command, action, description string) *Command {
	cmd := newSubcommand(root, action, description)
	id := cmd.Flags.Int64("tenant", 0, "Tenant ID (required)")
	reason := cmd.Flags.String("reason", "", "Reason recorded in the audit trail")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("tenant", *id); err != nil {
			return err
		}
		body := map[string]string{"reason": *reason}
		data, err := root.client().Do(context.Background(), http.MethodPost, fmt.Sprintf("/tenants/%d/%s", *id, action), body)
		if err != nil {
			return err
		}
		return printJSON(cmd.out, data)
	}
	return cmd
}

func newDeleteCommand(root *Command) *Command {
	cmd := newSubcommand(root, "delete", "Delete an archived tenant and its sub-organizations")
	id := cmd.Flags.Int64("tenant", 0, "Tenant ID (required)")
	confirm := cmd.Flags.Bool("yes", false, "Confirm the deletion")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("tenant", *id); err != nil {
			return err
		}
		if !*confirm {
			return fmt.Errorf("refusing to delete tenant %d without -yes", *id)
		}
		data, err := root.client().Do(context.Background(), http.MethodDelete, fmt.Sprintf("/tenants/%d", *id), nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.out, data)
	}
	return cmd
}

func newAuditCommand(root *Command) *Command {
	cmd := newSubcommand(root, "audit", "Export a tenant's audit trail")
	id := cmd.Flags.Int64("tenant", 0, "Tenant ID (required)")
	format := cmd.Flags.String("format", "csv", "Export format: json, ndjson or csv")
	limit := cmd.Flags.Int("limit", 0, "Maximum number of events (0 for all)")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("tenant", *id); err != nil {
			return err
		}
		query := url.Values{}
		query.Set("format", *format)
		if *limit > 0 {
			query.Set("limit", strconv.Itoa(*limit))
		}
		data, err := root.client().Do(context.Background(), http.MethodGet,
			fmt.Sprintf("/tenants/%d/audit?%s", *id, query.Encode()), nil)
		if err != nil {
			return err
		}
		if *format == "json" {
			return printJSON(cmd.out, data)
		}
		_, err = cmd.out.Write(data)
		return err
	}
	return cmd
}

func newApplyChangeCommand(root *Command) *Command {
	cmd := newSubcommand(root, "apply-change", "Apply a pending billing change now")
	id := cmd.Flags.Int64("id", 0, "Billing change ID (required)")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("id", *id); err != nil {
			return err
		}
		data, err := root.client().Do(context.Background(), http.MethodPost, fmt.Sprintf("/billing-changes/%d/apply", *id), nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.out, data)
	}
	return cmd
}

func newConsistencyCommand(root *Command) *Command {
	cmd := newSubcommand(root, "consistency", "Check a mandate order against its invoices")
	id := cmd.Flags.Int64("order", 0, "Mandate order ID (required)")
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := requireID("order", *id); err != nil {
			return err
		}
		data, err := root.client().Do(context.Background(), http.MethodGet, fmt.Sprintf("/mandate-orders/%d/consistency", *id), nil)
		if err != nil {
			return err
		}
		return printJSON(cmd.out, data)
	}
	return cmd
}
