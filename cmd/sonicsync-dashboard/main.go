// ABOUTME: Terminal dashboard for monitoring and steering a session
// ABOUTME: Joins as a text-codec peer, renders state, sends control commands
package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/sonicsync/sonicsync-go/pkg/protocol"
)

const seekStepMS = 5000

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "sonicsync-dashboard",
	Short: "Live view of session playback with play/pause/seek controls",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost:3000", "Server address (host:port)")
}

// dashConn is the dashboard's session link. The server relays every
// broadcast to dashboards as JSON text frames.
type dashConn struct {
	conn  *websocket.Conn
	codec protocol.TextCodec
}

func dial(addr string) (*dashConn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: "type=dashboard"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return &dashConn{conn: conn}, nil
}

func (d *dashConn) send(cmd protocol.ControlCommand) error {
	data, err := d.codec.EncodeClient(protocol.CommandRequest{Cmd: cmd})
	if err != nil {
		return err
	}
	d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

// read pumps server messages into the bubbletea program.
func (d *dashConn) read(p *tea.Program) {
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			p.Send(disconnectedMsg{})
			return
		}
		msg, err := d.codec.DecodeServer(data)
		if err != nil {
			continue
		}
		p.Send(serverMsg{msg})
	}
}

type serverMsg struct{ msg protocol.ServerMessage }
type disconnectedMsg struct{}
type tickMsg time.Time

type model struct {
	conn      *dashConn
	sessionID string

	trackURL string
	playing  bool
	// basePosMS and baseAt anchor the position estimate to the local
	// clock at the last play command.
	basePosMS uint64
	baseAt    time.Time

	lost     bool
	quitting bool
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tickEvery()
}

func (m model) positionMS() uint64 {
	if !m.playing {
		return m.basePosMS
	}
	return m.basePosMS + uint64(time.Since(m.baseAt).Milliseconds())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case " ":
			if m.playing {
				m.conn.send(protocol.Pause{})
			} else {
				m.conn.send(protocol.Play{StartAtMS: m.basePosMS, DelayMS: 500})
			}

		case "left":
			pos := m.positionMS()
			if pos > seekStepMS {
				pos -= seekStepMS
			} else {
				pos = 0
			}
			m.conn.send(protocol.Seek{PositionMS: pos})

		case "right":
			m.conn.send(protocol.Seek{PositionMS: m.positionMS() + seekStepMS})
		}

	case tickMsg:
		return m, tickEvery()

	case serverMsg:
		switch sm := msg.msg.(type) {
		case protocol.Welcome:
			m.sessionID = sm.SessionID

		case protocol.PlayCommand:
			m.trackURL = sm.TrackURL
			m.playing = true
			m.basePosMS = sm.StartAtPositionMS
			m.baseAt = time.Now()

		case protocol.PauseCommand:
			m.basePosMS = m.positionMS()
			m.playing = false
		}

	case disconnectedMsg:
		m.lost = true
		return m, tea.Quit
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "Leaving session...\n"
	}
	if m.lost {
		return "Connection lost.\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("SonicSync Dashboard"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Server: "))
	b.WriteString(valueStyle.Render(serverAddr))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Session: "))
	if m.sessionID == "" {
		b.WriteString(valueStyle.Render("connecting..."))
	} else {
		b.WriteString(valueStyle.Render(m.sessionID))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Track: "))
	if m.trackURL == "" {
		b.WriteString(valueStyle.Render("none"))
	} else {
		b.WriteString(valueStyle.Render(m.trackURL))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("State: "))
	if m.playing {
		b.WriteString(valueStyle.Render("playing"))
	} else {
		b.WriteString(valueStyle.Render("paused"))
	}
	b.WriteString("\n")

	pos := m.positionMS()
	b.WriteString(headerStyle.Render("Position: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d:%02d", pos/60000, (pos/1000)%60)))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.NewStyle().Faint(true).Render(
		"space play/pause  ←/→ seek 5s  q quit"))

	return b.String()
}

func run(cmd *cobra.Command, args []string) error {
	conn, err := dial(serverAddr)
	if err != nil {
		return err
	}
	defer conn.conn.Close()

	p := tea.NewProgram(model{conn: conn}, tea.WithAltScreen())
	go conn.read(p)

	_, err = p.Run()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
