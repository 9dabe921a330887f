package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/iotic-labs/connector-engine/internal/engine"
)

// monitorCmd opens a termui dashboard streaming from a running
// instance's /ws/stats endpoint, the CLI counterpart of
// internal/adminserver's stats feed.
func monitorCmd() *cli.Command {
	return &cli.Command{
		Name:  "monitor",
		Usage: "Live dashboard of a running engine's model supervisor",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Admin server address",
				Value: "localhost:8088",
			},
		},
		Action: func(c *cli.Context) error {
			return runMonitor(c.String("addr"))
		},
	}
}

func runMonitor(addr string) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("monitor: termui init: %w", err)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = "Model supervisors"
	table.Rows = [][]string{{"model", "registry", "new twins", "shares", "unhandled", "observed"}}
	table.SetRect(0, 0, 100, 12)
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = true

	statusBar := widgets.NewParagraph()
	statusBar.Title = "Status"
	statusBar.Text = fmt.Sprintf("connecting to %s...", addr)
	statusBar.SetRect(0, 12, 100, 15)

	ui.Render(table, statusBar)

	statsCh := make(chan map[string]engine.Stats)
	errCh := make(chan error, 1)
	go streamStats(addr, statsCh, errCh)

	uiEvents := ui.PollEvents()
	for {
		select {
		case e := <-uiEvents:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			}
		case snapshot := <-statsCh:
			table.Rows = tableRows(snapshot)
			statusBar.Text = fmt.Sprintf("connected to %s, last update %s", addr, time.Now().Format(time.Kitchen))
			ui.Render(table, statusBar)
		case err := <-errCh:
			statusBar.Text = fmt.Sprintf("disconnected from %s: %v", addr, err)
			ui.Render(statusBar)
			return err
		}
	}
}

func tableRows(snapshot map[string]engine.Stats) [][]string {
	rows := [][]string{{"model", "registry", "new twins", "shares", "unhandled", "observed"}}
	for model, s := range snapshot {
		rows = append(rows, []string{
			model,
			fmt.Sprintf("%d", s.RegistrySize),
			fmt.Sprintf("%d", s.ConcurrentNewTwins),
			fmt.Sprintf("%d", s.ConcurrentShares),
			fmt.Sprintf("%d", s.PreviouslyUnhandledTwins),
			s.ObservedAt.Format(time.Kitchen),
		})
	}
	return rows
}

func streamStats(addr string, out chan<- map[string]engine.Stats, errCh chan<- error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws/stats"}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		errCh <- err
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}

		var snapshot map[string]engine.Stats
		if err := json.Unmarshal(data, &snapshot); err != nil {
			continue
		}
		out <- snapshot
	}
}
