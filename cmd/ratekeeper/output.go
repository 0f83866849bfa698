package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/service"
)

// printer writes admin results as an aligned table for a terminal and as
// indented JSON otherwise.
type printer struct {
	w     io.Writer
	table bool
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versions prints history newest first.
func (p printer) versions(kind taxrate.Kind, vs []taxrate.VersionSummary) error {
	if !p.table {
		return p.json(struct {
			Kind     taxrate.Kind             `json:"kind"`
			Versions []taxrate.VersionSummary `json:"versions"`
		}{kind, vs})
	}
	if len(vs) == 0 {
		_, err := fmt.Fprintf(p.w, "no versions stored for %s\n", kind)
		return err
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCOPE\tVERSION\tACTIVE\tSOURCE\tCREATED BY\tCREATED AT\tNOTES")
	for _, v := range vs {
		active := ""
		if v.IsActive {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			orDash(v.Scope), v.Version, active, v.Source, v.CreatedBy,
			v.CreatedAt.UTC().Format(time.RFC3339), v.Notes)
	}
	return tw.Flush()
}

// version prints one stored version including its payload.
func (p printer) version(v *taxrate.ConfigVersion) error {
	if !p.table {
		return p.json(v)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Kind:\t%s\n", v.Kind)
	fmt.Fprintf(tw, "Scope:\t%s\n", orDash(v.Scope))
	fmt.Fprintf(tw, "Version:\t%d\n", v.Version)
	fmt.Fprintf(tw, "Active:\t%t\n", v.IsActive)
	fmt.Fprintf(tw, "Source:\t%s\n", v.Source)
	fmt.Fprintf(tw, "Created by:\t%s\n", v.CreatedBy)
	fmt.Fprintf(tw, "Created at:\t%s\n", v.CreatedAt.UTC().Format(time.RFC3339))
	if v.Notes != "" {
		fmt.Fprintf(tw, "Notes:\t%s\n", v.Notes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return p.payload(v.Payload)
}

// resolution prints a resolved value and the layer it came from.
func (p printer) resolution(res service.Resolution) error {
	if !p.table {
		return p.json(res)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Kind:\t%s\n", res.Kind)
	fmt.Fprintf(tw, "Scope:\t%s\n", orDash(res.Scope))
	fmt.Fprintf(tw, "Source:\t%s\n", res.Source)
	if res.Version > 0 {
		fmt.Fprintf(tw, "Version:\t%d\n", res.Version)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	raw, err := taxrate.Encode(res.Set)
	if err != nil {
		return err
	}
	return p.payload(raw)
}

func (p printer) payload(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	fmt.Fprintln(p.w, "Payload:")
	return p.json(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
