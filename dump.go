package main

import (
	"io"
	"strconv"
	"strings"

	"github.com/knadh/roomcast/internal/presence"
	"github.com/olekukonko/tablewriter"
)

// dumpPresence writes a table of every present room and its identities.
func dumpPresence(pm *presence.Manager, w io.Writer) error {
	rooms, err := pm.Rooms()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Room", "Online", "Identities"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)

	for _, r := range rooms {
		online, err := pm.Online(r)
		if err != nil {
			return err
		}
		table.Append([]string{r, strconv.Itoa(len(online)), strings.Join(online, ", ")})
	}
	table.Render()
	return nil
}
