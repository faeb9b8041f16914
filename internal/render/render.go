// Package render formats network snapshots for terminal output.
package render

import (
	"github.com/jedib0t/go-pretty/table"

	"github.com/andrei-cloud/packnet"
)

// StatsTable renders the buffer pool counters of a network, one row per role.
func StatsTable(stats packnet.NetworkStats) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Role",
		"Size",
		"Allocated",
		"Idle",
		"In use",
		"Exhausted",
	})

	for _, b := range stats.Buffers {
		t.AppendRow(table.Row{
			b.Role.String(),
			b.Size,
			b.Allocated,
			b.Idle,
			b.InUse,
			b.Exhausted,
		})
	}

	t.AppendFooter(table.Row{"connections", stats.Connections})

	return t.Render()
}

// ConnectionsTable renders one row per live connection.
func ConnectionsTable(conns []*packnet.Connection) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"ID",
		"Side",
		"Remote",
		"State",
		"Pending",
	})

	for _, c := range conns {
		t.AppendRow(table.Row{
			c.ID().String(),
			c.Side().String(),
			c.RemoteAddr().String(),
			c.State().String(),
			c.Pending(),
		})
	}

	return t.Render()
}
