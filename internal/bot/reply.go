package bot

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorGreen  = 0x2ecc71
	colorRed    = 0xe74c3c
	colorOrange = 0xe67e22
	colorGold   = 0xf1c40f
	colorPurple = 0x9b59b6
)

type Field struct {
	Name  string
	Value string
}

// Reply is a platform-neutral command response rendered as an embed.
type Reply struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
	// Public replies are visible to the whole channel.
	Public bool
}

func (r Reply) withField(name, value string) Reply {
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
	return r
}

func errorReply(msg string) Reply {
	return Reply{Title: "Error", Description: msg, Color: colorRed}
}

// stamp renders t as a client-localized full date.
func stamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:F>", t.Unix())
}

// stampRelative renders t as a full date plus a relative hint.
func stampRelative(t, now time.Time) string {
	return fmt.Sprintf("%s (%s)", stamp(t), humanize.RelTime(t, now, "ago", "from now"))
}

func formatInterval(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
