package main

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dkeye/presence/internal/domain"
	"github.com/dkeye/presence/internal/mesh"
)

// circlePoint walks a circle of radius r centred on the origin at speed rad/s.
func circlePoint(r, speed float64, elapsed time.Duration) (x, y float64) {
	a := speed * elapsed.Seconds()
	return r * math.Cos(a), r * math.Sin(a)
}

type roster interface {
	Self() domain.ParticipantID
	Participants() []domain.ParticipantID
	Meta(domain.ParticipantID) (domain.Meta, bool)
	Latest(domain.ParticipantID) (domain.Position, bool)
	Muted(domain.ParticipantID) (muted, known bool)
	Links() []domain.ParticipantID
}

func rosterRows(r roster, played func(domain.ParticipantID) uint64) [][]string {
	rows := [][]string{{"ID", "Name", "X", "Y", "Audio", "Link", "Packets"}}
	links := r.Links()
	for _, id := range r.Participants() {
		name := ""
		if m, ok := r.Meta(id); ok {
			name = m.DisplayName
		}
		if id == r.Self() {
			name += " (you)"
		}
		x, y := "-", "-"
		if p, ok := r.Latest(id); ok {
			x, y = fmt.Sprintf("%.0f", p.X), fmt.Sprintf("%.0f", p.Y)
		}
		audio := "-"
		if muted, known := r.Muted(id); known {
			audio = "on"
			if muted {
				audio = "muted"
			}
		}
		link := ""
		if slices.Contains(links, id) {
			link = "yes"
		}
		packets := ""
		if played != nil && id != r.Self() {
			packets = fmt.Sprint(played(id))
		}
		rows = append(rows, []string{string(id), strings.TrimSpace(name), x, y, audio, link, packets})
	}
	return rows
}

type command struct {
	name string
	arg  string
}

// parseCommand turns "/call bob" into a command; anything else is chat.
func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "chat", arg: line}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}
}

type controls interface {
	SendChat(ctx context.Context, text string) (domain.ChatMessage, error)
	UpdateMeta(ctx context.Context, m domain.Meta) (domain.Meta, error)
	StartMedia(ctx context.Context) error
	RequestCall(ctx context.Context, target domain.ParticipantID) error
	LeaveCall(ctx context.Context)
	StartMeeting(ctx context.Context, id string) (string, error)
	JoinMeeting(ctx context.Context, id string) error
	LeaveMeeting(ctx context.Context)
	CallMode() (mesh.Mode, domain.ParticipantID, string)
}

func runCommand(ctx context.Context, c controls, cmd command) error {
	switch cmd.name {
	case "chat":
		if cmd.arg == "" {
			return nil
		}
		_, err := c.SendChat(ctx, cmd.arg)
		return err
	case "name":
		_, err := c.UpdateMeta(ctx, domain.Meta{DisplayName: cmd.arg})
		return err
	case "media":
		return c.StartMedia(ctx)
	case "call":
		return c.RequestCall(ctx, domain.ParticipantID(cmd.arg))
	case "meeting":
		_, err := c.StartMeeting(ctx, cmd.arg)
		return err
	case "join":
		return c.JoinMeeting(ctx, cmd.arg)
	case "leave":
		if mode, _, _ := c.CallMode(); mode == mesh.ModeMeeting {
			c.LeaveMeeting(ctx)
		} else {
			c.LeaveCall(ctx)
		}
		return nil
	default:
		return fmt.Errorf("unknown command /%s", cmd.name)
	}
}
