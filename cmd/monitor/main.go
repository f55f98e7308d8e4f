// Command monitor is a read-only operator dashboard: it polls a
// running syncfabric server's room-status endpoint
// (internal/httpapi) and renders a live table of room id / peer
// count, the way an operator would watch RoomManager occupancy
// without instrumenting a metrics backend.
//
// It is deliberately a second, independent binary (its own flag
// parser, its own main) rather than a subcommand of cmd/cmd.go's
// urfave/cli app: the server binary's flags are part of its
// deployment surface, while this one is a developer/operator tool.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.StringP("addr", "a", "http://127.0.0.1:8080", "base URL of the syncfabric server's status endpoint")
	interval := pflag.DurationP("interval", "i", time.Second, "poll interval")
	pflag.Parse()

	if err := ui.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor: init terminal: %v\n", err)
		os.Exit(1)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = "syncfabric rooms"
	table.Rows = [][]string{{"room", "peers"}}
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = true
	table.FillRow = true

	status := widgets.NewParagraph()
	status.Title = "status"

	width, height := 80, 24
	if w, h := ui.TerminalDimensions(); w > 0 && h > 0 {
		width, height = w, h
	}
	layout(table, status, width, height)

	client := &http.Client{Timeout: 3 * time.Second}
	render := func() {
		rows, err := poll(client, *addr)
		if err != nil {
			status.Text = fmt.Sprintf("poll error: %v", err)
		} else {
			status.Text = fmt.Sprintf("%s | %d room(s), last poll %s", *addr, len(rows), time.Now().Format(time.TimeOnly))
			table.Rows = append([][]string{{"room", "peers"}}, rows...)
		}
		ui.Render(table, status)
	}

	render()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				layout(table, status, payload.Width, payload.Height)
				ui.Render(table, status)
			}
		case <-ticker.C:
			render()
		}
	}
}

func layout(table *widgets.Table, status *widgets.Paragraph, width, height int) {
	table.SetRect(0, 0, width, height-3)
	status.SetRect(0, height-3, width, height)
}

type roomRow struct {
	ID    string `json:"id"`
	Peers int    `json:"peers"`
}

func poll(client *http.Client, addr string) ([][]string, error) {
	resp, err := client.Get(addr + "/rooms")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var rooms []roomRow
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		rows = append(rows, []string{r.ID, fmt.Sprintf("%d", r.Peers)})
	}
	return rows, nil
}
