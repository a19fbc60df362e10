package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// ConsoleBackend is what the operator console drives
type ConsoleBackend interface {
	Sessions() []SessionInfo
	Broadcast(text string) BroadcastResult
}

// Console is the line-oriented operator console
type Console struct {
	backend  ConsoleBackend
	sites    []string
	in       io.Reader
	out      io.Writer
	shutdown func()
	now      func() time.Time

	titleStyle   lipgloss.Style
	onlineStyle  lipgloss.Style
	offlineStyle lipgloss.Style
	borderStyle  lipgloss.Style
	headerStyle  lipgloss.Style
}

// NewConsole creates a console listing the given configured sites.
// shutdown is called when the operator asks to exit.
func NewConsole(backend ConsoleBackend, sites []string, in io.Reader, out io.Writer, shutdown func()) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		backend:      backend,
		sites:        sites,
		in:           in,
		out:          out,
		shutdown:     shutdown,
		now:          time.Now,
		titleStyle:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		onlineStyle:  r.NewStyle().Foreground(lipgloss.Color("42")).Padding(0, 1),
		offlineStyle: r.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1),
		borderStyle:  r.NewStyle().Foreground(lipgloss.Color("240")),
		headerStyle:  r.NewStyle().Bold(true).Padding(0, 1),
	}
}

// Run reads commands until the input ends, ctx is cancelled, or the operator exits
func (c *Console) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printMenu()
	for {
		fmt.Fprint(c.out, "> ")

		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(l)
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToLower(cmd) {
		case "":
			continue
		case "1", "list", "campuses":
			fmt.Fprintln(c.out, c.RenderCampuses())
		case "2", "broadcast":
			text := strings.TrimSpace(arg)
			if text == "" {
				fmt.Fprint(c.out, "Enter broadcast message: ")
				select {
				case <-ctx.Done():
					return
				case l, ok := <-lines:
					if !ok {
						return
					}
					text = strings.TrimSpace(l)
				}
			}
			if text == "" {
				fmt.Fprintln(c.out, "Broadcast cancelled: empty message")
				continue
			}
			result := c.backend.Broadcast(text)
			fmt.Fprintf(c.out, "Broadcast delivered to %d campuses (%d failed)\n", result.Delivered, result.Failed)
		case "3", "quit", "exit":
			fmt.Fprintln(c.out, "Shutting down...")
			if c.shutdown != nil {
				c.shutdown()
			}
			return
		default:
			c.printMenu()
		}
	}
}

func (c *Console) printMenu() {
	fmt.Fprintln(c.out, c.titleStyle.Render("Central Server Admin Console"))
	fmt.Fprintln(c.out, "  1. View connected campuses")
	fmt.Fprintln(c.out, "  2. Broadcast message to all campuses (or: broadcast <text>)")
	fmt.Fprintln(c.out, "  3. Exit")
}

// RenderCampuses renders every configured campus with its connection status
func (c *Console) RenderCampuses() string {
	sessions := c.backend.Sessions()
	bySite := make(map[string]SessionInfo, len(sessions))
	sites := append([]string(nil), c.sites...)
	for _, info := range sessions {
		bySite[info.SiteID] = info
		if !slices.Contains(sites, info.SiteID) {
			sites = append(sites, info.SiteID)
		}
	}

	now := c.now()
	rows := make([][]string, 0, len(sites))
	for _, site := range sites {
		info, ok := bySite[site]
		if !ok || !info.Active {
			rows = append(rows, []string{site, "OFFLINE", "-", "-"})
			continue
		}
		rows = append(rows, []string{
			site,
			"ONLINE",
			info.PeerAddr,
			fmt.Sprintf("%ds ago", int(now.Sub(info.LastHeartbeat).Seconds())),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.borderStyle).
		Headers("CAMPUS", "STATUS", "PEER", "LAST HEARTBEAT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 || row >= len(rows) {
				return c.headerStyle
			}
			if rows[row][1] == "ONLINE" {
				return c.onlineStyle
			}
			return c.offlineStyle
		})

	return t.String()
}
